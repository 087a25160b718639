// SPDX-License-Identifier: Apache 2.0

package keystore

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
)

// principalModel mirrors spec §6.3's principals table.
type principalModel struct {
	ID               uint `gorm:"primaryKey"`
	Name             string `gorm:"uniqueIndex;size:255;not null"`
	IsGroup          bool   `gorm:"not null"`
	LatestGeneration int    `gorm:"not null;default:0"`
}

func (principalModel) TableName() string { return "principals" }

// keyModel mirrors spec §6.3's keys table, composite-keyed on
// (principal_id, generation).
type keyModel struct {
	PrincipalID uint      `gorm:"primaryKey"`
	Generation  int       `gorm:"primaryKey"`
	Ciphertext  []byte    `gorm:"not null"`
	MAC         []byte    `gorm:"not null"`
	Expiration  *time.Time
}

func (keyModel) TableName() string { return "keys" }

// GORM is a Store backed by gorm.io/gorm, usable with either the sqlite or
// postgres driver (selected by the caller when opening db).
type GORM struct {
	db      *gorm.DB
	gcGrace time.Duration
}

// OpenGORM runs the auto-migration for the principals/keys tables and
// returns a ready-to-use GORM store.
func OpenGORM(db *gorm.DB, gcGrace time.Duration) (*GORM, error) {
	if err := db.AutoMigrate(&principalModel{}, &keyModel{}); err != nil {
		return nil, fmt.Errorf("keystore: migrating schema: %w", err)
	}
	return &GORM{db: db, gcGrace: gcGrace}, nil
}

const maxSetKeyAttempts = 5

// SetKey allocates the next generation for name inside a transaction,
// retrying on a unique-constraint conflict on (principal_id, generation) up
// to maxSetKeyAttempts times before giving up with ErrConflict — this is
// the storage-layer half of spec §4.4.5's concurrent-mint race.
func (g *GORM) SetKey(name string, ciphertext, mac []byte, isGroup bool, expiration *time.Time) (int, error) {
	var generation int

	for attempt := 0; attempt < maxSetKeyAttempts; attempt++ {
		err := g.db.Transaction(func(tx *gorm.DB) error {
			var p principalModel
			err := tx.Where("name = ?", name).First(&p).Error
			switch {
			case errors.Is(err, gorm.ErrRecordNotFound):
				p = principalModel{Name: name, IsGroup: isGroup, LatestGeneration: 0}
				if err := tx.Create(&p).Error; err != nil {
					return err
				}
			case err != nil:
				return err
			case p.IsGroup != isGroup:
				return ErrKindMismatch
			}

			generation = p.LatestGeneration + 1
			rec := keyModel{
				PrincipalID: p.ID,
				Generation:  generation,
				Ciphertext:  ciphertext,
				MAC:         mac,
				Expiration:  expiration,
			}
			if err := tx.Create(&rec).Error; err != nil {
				return err
			}

			return tx.Model(&p).Update("latest_generation", generation).Error
		})

		switch {
		case err == nil:
			return generation, nil
		case errors.Is(err, ErrKindMismatch):
			return 0, err
		case isUniqueConstraintErr(err):
			continue // another writer won the race for this generation; retry
		default:
			return 0, fmt.Errorf("keystore: set_key: %w", err)
		}
	}
	return 0, ErrConflict
}

func isUniqueConstraintErr(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate")
}

func (g *GORM) GetKey(name string, generation *int) (*Record, error) {
	var p principalModel
	if err := g.db.Where("name = ?", name).First(&p).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("keystore: get_key: %w", err)
	}

	var rec keyModel
	q := g.db.Where("principal_id = ?", p.ID)
	if generation != nil {
		q = q.Where("generation = ?", *generation)
	} else {
		q = q.Order("generation DESC")
	}
	if err := q.First(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("keystore: get_key: %w", err)
	}

	now := time.Now().UTC()
	if rec.Expiration != nil && now.Sub(*rec.Expiration) > g.gcGrace {
		return nil, ErrNotFound
	}

	return &Record{
		Name:       name,
		Generation: rec.Generation,
		Ciphertext: rec.Ciphertext,
		MAC:        rec.MAC,
		IsGroup:    p.IsGroup,
		Expiration: rec.Expiration,
	}, nil
}

func (g *GORM) CreateGroup(name string) (bool, error) {
	err := g.db.Create(&principalModel{Name: name, IsGroup: true, LatestGeneration: 0}).Error
	if err == nil {
		return true, nil
	}
	if isUniqueConstraintErr(err) {
		return false, nil
	}
	return false, fmt.Errorf("keystore: create_group: %w", err)
}

func (g *GORM) Exists(name string) (bool, bool, error) {
	var p principalModel
	err := g.db.Where("name = ?", name).First(&p).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return false, false, nil
	case err != nil:
		return false, false, fmt.Errorf("keystore: exists: %w", err)
	default:
		return true, p.IsGroup, nil
	}
}

func (g *GORM) Delete(name string, isGroup bool) (bool, error) {
	var p principalModel
	if err := g.db.Where("name = ? AND is_group = ?", name, isGroup).First(&p).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("keystore: delete: %w", err)
	}

	return true, g.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("principal_id = ?", p.ID).Delete(&keyModel{}).Error; err != nil {
			return err
		}
		return tx.Delete(&p).Error
	})
}
