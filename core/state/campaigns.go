package state

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"crowdescrow/native/campaign"
)

var (
	ErrCampaignNotFound = errors.New("state: campaign not found")
	ErrCampaignExists   = errors.New("state: campaign already exists")
	ErrStaleCampaign    = errors.New("state: campaign modified concurrently")
)

var campaignPrefix = "campaign/"

func campaignKey(id string) []byte {
	return []byte(campaignPrefix + strings.TrimSpace(id))
}

// CampaignDigest returns the keccak256 hash of the canonical snapshot
// encoding. It serves as the optimistic version of a stored campaign.
func CampaignDigest(state *campaign.State) (common.Hash, error) {
	encoded, err := campaign.Encode(state)
	if err != nil {
		return common.Hash{}, err
	}
	return ethcrypto.Keccak256Hash(encoded), nil
}

// CampaignPut validates and stores the snapshot, replacing any previous one.
func (m *Manager) CampaignPut(state *campaign.State) error {
	if err := campaign.Validate(state); err != nil {
		return err
	}
	unlock := m.lock(campaignPrefix + state.CampaignID)
	defer unlock()
	return m.putCampaign(state)
}

// CampaignInsert stores a new snapshot and fails with ErrCampaignExists when
// the identifier is already taken.
func (m *Manager) CampaignInsert(state *campaign.State) error {
	if err := campaign.Validate(state); err != nil {
		return err
	}
	unlock := m.lock(campaignPrefix + state.CampaignID)
	defer unlock()
	if _, ok, err := m.getCampaign(state.CampaignID); err != nil {
		return err
	} else if ok {
		return fmt.Errorf("%w: %s", ErrCampaignExists, state.CampaignID)
	}
	return m.putCampaign(state)
}

// CampaignGet loads the snapshot stored for id.
func (m *Manager) CampaignGet(id string) (*campaign.State, bool, error) {
	return m.getCampaign(id)
}

// CampaignMutation is a read-modify-write of one campaign performed under
// its exclusive lock.
type CampaignMutation struct {
	// Expected, when set, must equal the digest of the stored snapshot or the
	// mutation fails with ErrStaleCampaign before Apply runs.
	Expected *common.Hash
	// Apply receives a private copy and returns the next snapshot. A nil
	// snapshot leaves the stored one untouched.
	Apply func(*campaign.State) (*campaign.State, error)
	// Abort runs, still under the lock, when the snapshot returned by Apply
	// could not be stored.
	Abort func(error)
}

// CampaignMutate runs mut against the stored campaign and returns the stored
// snapshot after the call.
func (m *Manager) CampaignMutate(id string, mut CampaignMutation) (*campaign.State, error) {
	if mut.Apply == nil {
		return nil, fmt.Errorf("state: campaign mutation requires an apply func")
	}
	unlock := m.lock(campaignPrefix + strings.TrimSpace(id))
	defer unlock()

	current, ok, err := m.getCampaign(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrCampaignNotFound, id)
	}
	if mut.Expected != nil {
		digest, err := CampaignDigest(current)
		if err != nil {
			return nil, err
		}
		if digest != *mut.Expected {
			return nil, fmt.Errorf("%w: expected %s, have %s", ErrStaleCampaign, mut.Expected.Hex(), digest.Hex())
		}
	}
	next, err := mut.Apply(current.Clone())
	if err != nil {
		return nil, err
	}
	if next == nil {
		return current, nil
	}
	if next.CampaignID != current.CampaignID {
		err = fmt.Errorf("state: campaign id changed from %s to %s", current.CampaignID, next.CampaignID)
	} else {
		err = m.putCampaign(next)
	}
	if err != nil {
		if mut.Abort != nil {
			mut.Abort(err)
		}
		return nil, err
	}
	return next, nil
}

// CampaignUpdate loads the campaign, applies fn and stores the result while
// holding the campaign's exclusive lock. fn receives a private copy; returning
// a nil state leaves the stored snapshot untouched.
func (m *Manager) CampaignUpdate(id string, fn func(*campaign.State) (*campaign.State, error)) (*campaign.State, error) {
	return m.CampaignMutate(id, CampaignMutation{Apply: fn})
}

// CampaignCompareAndSwap stores next only when the stored snapshot still
// hashes to expected.
func (m *Manager) CampaignCompareAndSwap(id string, expected common.Hash, next *campaign.State) error {
	if err := campaign.Validate(next); err != nil {
		return err
	}
	if next.CampaignID != strings.TrimSpace(id) {
		return fmt.Errorf("state: snapshot id %s does not match %s", next.CampaignID, id)
	}
	_, err := m.CampaignMutate(id, CampaignMutation{
		Expected: &expected,
		Apply:    func(*campaign.State) (*campaign.State, error) { return next, nil },
	})
	return err
}

// CampaignIDs lists the stored campaign identifiers in ascending order.
func (m *Manager) CampaignIDs() ([]string, error) {
	ids := make([]string, 0)
	err := m.db.Iterate([]byte(campaignPrefix), func(key, _ []byte) error {
		ids = append(ids, strings.TrimPrefix(string(key), campaignPrefix))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (m *Manager) putCampaign(state *campaign.State) error {
	if err := campaign.Validate(state); err != nil {
		return err
	}
	encoded, err := campaign.Encode(state)
	if err != nil {
		return err
	}
	return m.db.Put(campaignKey(state.CampaignID), encoded)
}

func (m *Manager) getCampaign(id string) (*campaign.State, bool, error) {
	if strings.TrimSpace(id) == "" {
		return nil, false, fmt.Errorf("state: campaign id required")
	}
	data, ok, err := m.raw(campaignKey(id))
	if err != nil || !ok {
		return nil, ok, err
	}
	state, err := campaign.Decode(data)
	if err != nil {
		return nil, false, fmt.Errorf("state: decode campaign %s: %w", id, err)
	}
	return state, true, nil
}
