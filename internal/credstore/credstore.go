// Package credstore persists per-tenant protocol credentials. The blob is a
// JSON encoding of wa.Credentials; []byte key material rides through base64
// and round-trips exactly.
package credstore

import (
	"context"
	"encoding/json"
	"errors"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"shopwa/internal/models"
	"shopwa/internal/wa"
)

// Encode serializes credentials into a storable blob.
func Encode(creds *wa.Credentials) ([]byte, error) {
	return json.Marshal(creds)
}

// Decode parses a credential blob.
func Decode(blob []byte) (*wa.Credentials, error) {
	var creds wa.Credentials
	if err := json.Unmarshal(blob, &creds); err != nil {
		return nil, err
	}
	return &creds, nil
}

// Store reads and writes credential blobs on the merchant session record.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

func NewStore(db *gorm.DB, logger *zap.Logger) *Store {
	return &Store{db: db, logger: logger}
}

// Load returns the tenant's stored credentials. An absent or corrupt record
// yields a fresh, never-paired identity: the protocol client re-pairs from
// scratch in that case, which is the correct recovery.
func (s *Store) Load(ctx context.Context, tenantID string) *wa.Credentials {
	var row models.MerchantSession
	err := s.db.WithContext(ctx).Where("tenant_id = ?", tenantID).First(&row).Error
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			s.logger.Warn("credential load failed, treating tenant as unpaired",
				zap.String("tenant_id", tenantID), zap.Error(err))
		}
		return &wa.Credentials{}
	}
	if len(row.CredentialBlob) == 0 {
		return &wa.Credentials{}
	}

	creds, err := Decode(row.CredentialBlob)
	if err != nil {
		s.logger.Warn("corrupt credential blob, treating tenant as unpaired",
			zap.String("tenant_id", tenantID), zap.Error(err))
		return &wa.Credentials{}
	}
	return creds
}

// Save writes the tenant's credentials, creating the session record if
// needed. The row is locked for the duration of the write so concurrent
// saves for the same tenant are last-write-wins without interleaving.
func (s *Store) Save(ctx context.Context, tenantID string, creds *wa.Credentials) error {
	blob, err := Encode(creds)
	if err != nil {
		return err
	}
	return s.writeBlob(ctx, tenantID, blob)
}

// Wipe clears the stored blob, forcing re-pairing on the next connect.
func (s *Store) Wipe(ctx context.Context, tenantID string) error {
	return s.writeBlob(ctx, tenantID, nil)
}

func (s *Store) writeBlob(ctx context.Context, tenantID string, blob []byte) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if s.supportsRowLocks() {
			tx = tx.Clauses(clause.Locking{Strength: "UPDATE"})
		}

		var row models.MerchantSession
		err := tx.Where("tenant_id = ?", tenantID).First(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return tx.Create(&models.MerchantSession{
				TenantID:        tenantID,
				CredentialBlob:  blob,
				ConnectionState: models.StateDisconnected,
			}).Error
		}
		if err != nil {
			return err
		}
		return tx.Model(&models.MerchantSession{}).
			Where("tenant_id = ?", tenantID).
			Update("credential_blob", blob).Error
	})
}

// SQLite serializes writers on its own and rejects FOR UPDATE.
func (s *Store) supportsRowLocks() bool {
	name := s.db.Dialector.Name()
	return name == "postgres" || name == "mysql"
}
