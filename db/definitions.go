package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"eve.evalgo.org/engineerr"
	"eve.evalgo.org/workflow"
)

// DefinitionRecord is the GORM row backing one Definition version. The full
// node graph is kept as a JSONB blob (Body) rather than normalized, since it
// is read whole on every instance creation and never queried by node
// shape; Name/Version/Status/Category/Tags are promoted to columns so
// DefinitionCatalog.List can filter without unmarshaling every row.
type DefinitionRecord struct {
	ID          uint `gorm:"primarykey"`
	Name        string `gorm:"size:255;uniqueIndex:idx_definitions_name_version"`
	Version     string `gorm:"size:64;uniqueIndex:idx_definitions_name_version"`
	Description string
	Status      string `gorm:"size:32;index"`
	Category    string `gorm:"size:128;index"`
	TagsJSON    string `gorm:"type:text"`
	Body        []byte `gorm:"type:jsonb"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// DefinitionCatalog is the GORM-backed, read-heavy counterpart to
// PostgresStore (§4.1): workflow definitions are written rarely (on
// publish) and read on every instance creation, which fits GORM's
// ergonomics better than the hand-rolled SQL of the hot path.
type DefinitionCatalog struct {
	gdb *gorm.DB
}

// NewDefinitionCatalog opens a GORM connection and runs AutoMigrate for the
// catalog's own table, following the teacher's PGMigrations pattern in
// db/postgres.go.
func NewDefinitionCatalog(dsn string) (*DefinitionCatalog, error) {
	gdb, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to open gorm connection: %w", err)
	}
	if err := gdb.AutoMigrate(&DefinitionRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate definition catalog: %w", err)
	}

	sqlDB, err := gdb.DB()
	if err == nil {
		sqlDB.SetMaxIdleConns(10)
		sqlDB.SetMaxOpenConns(50)
		sqlDB.SetConnMaxLifetime(time.Hour)
	}

	return &DefinitionCatalog{gdb: gdb}, nil
}

// Put creates or replaces the definition for (Name, Version): republishing
// the same (name, version) pair overwrites the stored row whatever its
// Status, and no caller in the module restricts this to drafts.
func (c *DefinitionCatalog) Put(ctx context.Context, def *workflow.Definition) error {
	body, err := json.Marshal(def)
	if err != nil {
		return engineerr.Validation("failed to marshal definition: %v", err)
	}
	tagsJSON, _ := json.Marshal(def.Tags)

	rec := DefinitionRecord{
		Name:        def.Name,
		Version:     def.Version,
		Description: def.Description,
		Status:      string(def.Status),
		Category:    def.Category,
		TagsJSON:    string(tagsJSON),
		Body:        body,
	}

	err = c.gdb.WithContext(ctx).
		Where("name = ? AND version = ?", def.Name, def.Version).
		Assign(rec).
		FirstOrCreate(&rec).Error
	if err != nil {
		return engineerr.Storage(err, "failed to upsert definition %s@%s", def.Name, def.Version)
	}
	return nil
}

// Get loads one exact (name, version) definition.
func (c *DefinitionCatalog) Get(ctx context.Context, ref workflow.Ref) (*workflow.Definition, error) {
	var rec DefinitionRecord
	err := c.gdb.WithContext(ctx).
		Where("name = ? AND version = ?", ref.Name, ref.Version).
		First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, engineerr.NotFound("workflow definition %s not found", ref.String())
		}
		return nil, engineerr.Storage(err, "failed to load definition %s", ref.String())
	}
	return decodeDefinition(&rec)
}

// GetLatestActive loads the most recently created "active" definition for
// name, used when a sub-workflow invocation or submission omits a version
// (§4.1, §6).
func (c *DefinitionCatalog) GetLatestActive(ctx context.Context, name string) (*workflow.Definition, error) {
	var rec DefinitionRecord
	err := c.gdb.WithContext(ctx).
		Where("name = ? AND status = ?", name, string(workflow.StatusActive)).
		Order("created_at DESC").
		First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, engineerr.NotFound("no active workflow definition named %q", name)
		}
		return nil, engineerr.Storage(err, "failed to load latest active definition %q", name)
	}
	return decodeDefinition(&rec)
}

// SetStatus transitions a definition's lifecycle status (draft -> active ->
// archived per §4.1). It writes any status without checking that the
// transition is legal, and nothing in the module calls it.
func (c *DefinitionCatalog) SetStatus(ctx context.Context, ref workflow.Ref, status workflow.DefinitionStatus) error {
	res := c.gdb.WithContext(ctx).
		Model(&DefinitionRecord{}).
		Where("name = ? AND version = ?", ref.Name, ref.Version).
		Update("status", string(status))
	if res.Error != nil {
		return engineerr.Storage(res.Error, "failed to set status on %s", ref.String())
	}
	if res.RowsAffected == 0 {
		return engineerr.NotFound("workflow definition %s not found", ref.String())
	}
	return nil
}

// List returns every version of every definition matching the optional
// name/status/category filters, most recent first.
func (c *DefinitionCatalog) List(ctx context.Context, name, status, category string) ([]*workflow.Definition, error) {
	q := c.gdb.WithContext(ctx).Order("created_at DESC")
	if name != "" {
		q = q.Where("name = ?", name)
	}
	if status != "" {
		q = q.Where("status = ?", status)
	}
	if category != "" {
		q = q.Where("category = ?", category)
	}

	var recs []DefinitionRecord
	if err := q.Find(&recs).Error; err != nil {
		return nil, engineerr.Storage(err, "failed to list definitions")
	}

	defs := make([]*workflow.Definition, 0, len(recs))
	for i := range recs {
		def, err := decodeDefinition(&recs[i])
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, nil
}

func decodeDefinition(rec *DefinitionRecord) (*workflow.Definition, error) {
	var def workflow.Definition
	if err := json.Unmarshal(rec.Body, &def); err != nil {
		return nil, engineerr.Storage(err, "failed to unmarshal definition body for %s@%s", rec.Name, rec.Version)
	}
	return &def, nil
}
