package controls

import (
	"fmt"

	"github.com/vinmnit159/isms-backend/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const Framework = "ISO/IEC 27001:2022"

// Catalog is the subset of Annex A that built-in checks contribute to.
var Catalog = []models.Control{
	{Reference: "A.5.3", Title: "Segregation of duties"},
	{Reference: "A.5.10", Title: "Acceptable use of information and other associated assets"},
	{Reference: "A.5.16", Title: "Identity management"},
	{Reference: "A.5.17", Title: "Authentication information"},
	{Reference: "A.5.18", Title: "Access rights"},
	{Reference: "A.7.7", Title: "Clear desk and clear screen"},
	{Reference: "A.8.1", Title: "User endpoint devices"},
	{Reference: "A.8.4", Title: "Access to source code"},
	{Reference: "A.8.5", Title: "Secure authentication"},
	{Reference: "A.8.7", Title: "Protection against malware"},
	{Reference: "A.8.8", Title: "Management of technical vulnerabilities"},
	{Reference: "A.8.20", Title: "Networks security"},
	{Reference: "A.8.24", Title: "Use of cryptography"},
	{Reference: "A.8.25", Title: "Secure development life cycle"},
	{Reference: "A.8.32", Title: "Change management"},
}

// SeedCatalog inserts missing catalog controls. Existing rows are kept.
func SeedCatalog(db *gorm.DB) error {
	rows := make([]models.Control, len(Catalog))
	for i, c := range Catalog {
		c.Framework = Framework
		rows[i] = c
	}
	err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "reference"}},
		DoNothing: true,
	}).Create(&rows).Error
	if err != nil {
		return fmt.Errorf("seed control catalog: %w", err)
	}
	return nil
}
