package api

import (
	"context"
	"database/sql"
	"strings"

	"github.com/mario4tier/suiftly-co-sub006/pkg/fault"
	"github.com/mario4tier/suiftly-co-sub006/pkg/store"
	"github.com/mario4tier/suiftly-co-sub006/pkg/tiers"
)

// maxPublicKeyLen bounds the stored key material. Sui public keys are well
// under this; the column is not a dumping ground.
const maxPublicKeyLen = 256

// CreateSealKey allocates a never-recycled derivation index in the
// service's process group and stores the key enabled. The active key count
// is capped by the subscription tier.
func (s *Service) CreateSealKey(ctx context.Context, customerID int64, serviceType store.ServiceType,
	publicKey string) (*store.SealKey, error) {
	publicKey = strings.TrimSpace(publicKey)
	if publicKey == "" || len(publicKey) > maxPublicKeyLen {
		return nil, fault.New(fault.KindInput, "api: public key must be 1..%d characters", maxPublicKeyLen)
	}
	if !serviceType.Valid() {
		return nil, fault.New(fault.KindInput, "api: unknown service type %q", serviceType)
	}

	var key *store.SealKey
	err := s.st.WithCustomerTx(ctx, customerID, func(tx *sql.Tx) error {
		si, err := s.st.GetServiceByCustomerAndType(ctx, tx, customerID, serviceType)
		if err != nil {
			return err
		}

		if t := tiers.Get(si.Tier); t != nil && t.Limits.MaxSealKeys >= 0 {
			n, err := s.st.CountActiveSealKeys(ctx, tx, si.ID)
			if err != nil {
				return err
			}
			if n >= t.Limits.MaxSealKeys {
				return fault.New(fault.KindInput,
					"api: tier %s allows at most %d seal keys", si.Tier, t.Limits.MaxSealKeys)
			}
		}

		pg := si.ServiceType.ProcessGroup()
		idx, err := s.st.AllocateDerivationIndex(ctx, tx, pg)
		if err != nil {
			return err
		}
		key = &store.SealKey{
			CustomerID:      customerID,
			InstanceID:      si.ID,
			ProcessGroup:    pg,
			DerivationIndex: idx,
			PublicKey:       publicKey,
			IsUserEnabled:   true,
		}
		if err := s.st.CreateSealKey(ctx, tx, key); err != nil {
			return err
		}
		return s.markServiceChanged(ctx, tx, si)
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("seal key created",
		"customer", customerID, "service", serviceType,
		"pg", key.ProcessGroup, "index", key.DerivationIndex)
	s.triggerSync()
	return key, nil
}

// EnableSealKey flips a key live again.
func (s *Service) EnableSealKey(ctx context.Context, customerID, keyID int64) error {
	return s.setSealKeyEnabled(ctx, customerID, keyID, true)
}

// DisableSealKey takes a key out of the vault without deleting it.
func (s *Service) DisableSealKey(ctx context.Context, customerID, keyID int64) error {
	return s.setSealKeyEnabled(ctx, customerID, keyID, false)
}

func (s *Service) setSealKeyEnabled(ctx context.Context, customerID, keyID int64, enabled bool) error {
	err := s.st.WithCustomerTx(ctx, customerID, func(tx *sql.Tx) error {
		si, err := s.ownedSealKeyService(ctx, tx, customerID, keyID)
		if err != nil {
			return err
		}
		if err := s.st.SetSealKeyEnabled(ctx, tx, keyID, enabled); err != nil {
			return err
		}
		return s.markServiceChanged(ctx, tx, si)
	})
	if err != nil {
		return err
	}
	s.triggerSync()
	return nil
}

// DeleteSealKey soft-deletes: the row survives and the derivation index is
// never reused.
func (s *Service) DeleteSealKey(ctx context.Context, customerID, keyID int64) error {
	err := s.st.WithCustomerTx(ctx, customerID, func(tx *sql.Tx) error {
		si, err := s.ownedSealKeyService(ctx, tx, customerID, keyID)
		if err != nil {
			return err
		}
		if err := s.st.SoftDeleteSealKey(ctx, tx, keyID, s.clk.Now()); err != nil {
			return err
		}
		return s.markServiceChanged(ctx, tx, si)
	})
	if err != nil {
		return err
	}
	s.log.Info("seal key deleted", "customer", customerID, "key", keyID)
	s.triggerSync()
	return nil
}

// ListSealKeys returns the customer's non-deleted keys for one service.
func (s *Service) ListSealKeys(ctx context.Context, customerID int64, serviceType store.ServiceType) ([]*store.SealKey, error) {
	db := s.st.DB()
	si, err := s.st.GetServiceByCustomerAndType(ctx, db, customerID, serviceType)
	if err != nil {
		return nil, err
	}
	return s.st.ListSealKeys(ctx, db, si.ID, false)
}

// ownedSealKeyService loads the key, verifies ownership, and returns the
// owning service instance. Foreign keys read as not found so key IDs do not
// leak across customers.
func (s *Service) ownedSealKeyService(ctx context.Context, tx *sql.Tx, customerID, keyID int64) (*store.ServiceInstance, error) {
	k, err := s.st.GetSealKey(ctx, tx, keyID)
	if err != nil {
		return nil, err
	}
	if k.CustomerID != customerID {
		return nil, store.ErrNotFound
	}
	if k.DeletedAt != nil {
		return nil, fault.New(fault.KindNotFound, "api: seal key %d is deleted", keyID)
	}
	return s.st.GetServiceInstance(ctx, tx, k.InstanceID)
}
