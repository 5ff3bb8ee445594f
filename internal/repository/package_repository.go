package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/digkill/creditcanvas/internal/models"
)

type PackageRepository struct {
	db *sql.DB
}

func NewPackageRepository(db *sql.DB) *PackageRepository {
	return &PackageRepository{db: db}
}

const packageColumns = `id, title, COALESCE(description, ''), currency, price_minor_units, credits, COALESCE(stripe_price_id, ''), mode, is_active, created_at, updated_at`

func (r *PackageRepository) List(ctx context.Context, activeOnly bool) ([]models.CreditPackage, error) {
	query := `SELECT ` + packageColumns + ` FROM credit_packages`
	if activeOnly {
		query += ` WHERE is_active = 1`
	}
	query += ` ORDER BY id ASC`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list packages: %w", err)
	}
	defer rows.Close()

	var packages []models.CreditPackage
	for rows.Next() {
		p, err := scanPackage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan package: %w", err)
		}
		packages = append(packages, *p)
	}
	return packages, rows.Err()
}

func (r *PackageRepository) GetByID(ctx context.Context, id int64) (*models.CreditPackage, error) {
	query := `SELECT ` + packageColumns + ` FROM credit_packages WHERE id = ?`
	return r.findOne(ctx, query, id)
}

// FindByStripePrice returns the active package bound to priceID.
func (r *PackageRepository) FindByStripePrice(ctx context.Context, priceID string) (*models.CreditPackage, error) {
	query := `SELECT ` + packageColumns + ` FROM credit_packages WHERE stripe_price_id = ? AND is_active = 1 ORDER BY id ASC LIMIT 1`
	return r.findOne(ctx, query, priceID)
}

func (r *PackageRepository) Create(ctx context.Context, p *models.CreditPackage) (*models.CreditPackage, error) {
	const query = `
INSERT INTO credit_packages (title, description, currency, price_minor_units, credits, stripe_price_id, mode, is_active)
VALUES (?, NULLIF(?, ''), ?, ?, ?, NULLIF(?, ''), ?, ?)`
	res, err := r.db.ExecContext(ctx, query, p.Title, p.Description, p.Currency, p.PriceMinorUnits, p.Credits, p.StripePriceID, p.Mode, p.IsActive)
	if err != nil {
		return nil, fmt.Errorf("create package: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("package last insert id: %w", err)
	}
	return r.GetByID(ctx, id)
}

func (r *PackageRepository) Update(ctx context.Context, p *models.CreditPackage) (*models.CreditPackage, error) {
	const query = `
UPDATE credit_packages
SET title = ?, description = NULLIF(?, ''), currency = ?, price_minor_units = ?, credits = ?, stripe_price_id = NULLIF(?, ''), mode = ?, is_active = ?, updated_at = NOW()
WHERE id = ?`
	if _, err := r.db.ExecContext(ctx, query, p.Title, p.Description, p.Currency, p.PriceMinorUnits, p.Credits, p.StripePriceID, p.Mode, p.IsActive, p.ID); err != nil {
		return nil, fmt.Errorf("update package: %w", err)
	}
	return r.GetByID(ctx, p.ID)
}

func (r *PackageRepository) Delete(ctx context.Context, id int64) error {
	const query = `DELETE FROM credit_packages WHERE id = ?`
	if _, err := r.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("delete package: %w", err)
	}
	return nil
}

func (r *PackageRepository) findOne(ctx context.Context, query string, arg any) (*models.CreditPackage, error) {
	p, err := scanPackage(r.db.QueryRowContext(ctx, query, arg))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get package: %w", err)
	}
	return p, nil
}

func scanPackage(row rowScanner) (*models.CreditPackage, error) {
	var p models.CreditPackage
	if err := row.Scan(&p.ID, &p.Title, &p.Description, &p.Currency, &p.PriceMinorUnits, &p.Credits, &p.StripePriceID, &p.Mode, &p.IsActive, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	return &p, nil
}
