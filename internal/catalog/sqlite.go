package catalog

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// SQLiteStore is a SQLite-backed catalog.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		return nil, errors.Wrap(err, "migrate products")
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS products (
			id                     TEXT PRIMARY KEY,
			title                  TEXT NOT NULL DEFAULT '',
			asin                   TEXT NOT NULL DEFAULT '',
			image_url              TEXT NOT NULL DEFAULT '',
			affiliate_url          TEXT NOT NULL DEFAULT '',
			price_amount           REAL,
			price_currency         TEXT NOT NULL DEFAULT '',
			price_display          TEXT NOT NULL DEFAULT '',
			updated_at             DATETIME NOT NULL,
			image_refresh_status   TEXT NOT NULL DEFAULT 'outdated',
			link_validation_status TEXT NOT NULL DEFAULT '',
			last_image_refresh     DATETIME,
			last_link_check        DATETIME,
			needs_review           INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_products_link_status ON products(link_validation_status);
	`)
	return err
}

const productColumns = `id, title, asin, image_url, affiliate_url, price_amount, price_currency,
	price_display, updated_at, image_refresh_status, link_validation_status,
	last_image_refresh, last_link_check, needs_review`

type scanner interface {
	Scan(dest ...any) error
}

func scanProduct(row scanner) (*Product, error) {
	p := &Product{}
	var amount sql.NullFloat64
	var currency, display string
	var lastImage, lastLink sql.NullTime
	err := row.Scan(
		&p.ID, &p.Title, &p.ASIN, &p.ImageURL, &p.AffiliateURL,
		&amount, &currency, &display, &p.UpdatedAt,
		&p.ImageRefreshStatus, &p.LinkValidationStatus,
		&lastImage, &lastLink, &p.NeedsReview,
	)
	if err != nil {
		return nil, err
	}
	if amount.Valid {
		p.Price = &Price{Amount: amount.Float64, Currency: currency, DisplayAmount: display}
	}
	if lastImage.Valid {
		t := lastImage.Time
		p.LastImageRefresh = &t
	}
	if lastLink.Valid {
		t := lastLink.Time
		p.LastLinkCheck = &t
	}
	return p, nil
}

// Upsert inserts p or replaces its content fields. Sync status is set only on
// insert: a new product's image is outdated and its link unchecked until a job
// has run.
func (s *SQLiteStore) Upsert(ctx context.Context, p *Product) error {
	if p.ID == "" {
		return errors.New("product id must not be empty")
	}
	if p.ImageRefreshStatus == "" {
		p.ImageRefreshStatus = ImageOutdated
	}
	p.UpdatedAt = s.now().UTC()

	var amount any
	var currency, display string
	if p.Price != nil {
		amount, currency, display = p.Price.Amount, p.Price.Currency, p.Price.DisplayAmount
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO products
			(id, title, asin, image_url, affiliate_url, price_amount, price_currency, price_display,
			 updated_at, image_refresh_status, link_validation_status, needs_review)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			asin = excluded.asin,
			image_url = excluded.image_url,
			affiliate_url = excluded.affiliate_url,
			price_amount = excluded.price_amount,
			price_currency = excluded.price_currency,
			price_display = excluded.price_display,
			updated_at = excluded.updated_at
	`, p.ID, p.Title, p.ASIN, p.ImageURL, p.AffiliateURL, amount, currency, display,
		p.UpdatedAt, p.ImageRefreshStatus, p.LinkValidationStatus, p.NeedsReview)
	if err != nil {
		return errors.Wrapf(err, "upsert product %s", p.ID)
	}
	return nil
}

func (s *SQLiteStore) FetchProduct(ctx context.Context, id string) (*Product, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+productColumns+` FROM products WHERE id = ?`, id)
	p, err := scanProduct(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(ErrNotFound, "product %s", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "fetch product %s", id)
	}
	return p, nil
}

func (s *SQLiteStore) UpdateStatusFields(ctx context.Context, id string, u StatusUpdate) error {
	if u.Empty() {
		return nil
	}
	var sets []string
	var args []any
	if u.ImageRefreshStatus != nil {
		sets = append(sets, "image_refresh_status = ?")
		args = append(args, *u.ImageRefreshStatus)
	}
	if u.LinkValidationStatus != nil {
		sets = append(sets, "link_validation_status = ?")
		args = append(args, *u.LinkValidationStatus)
	}
	if u.LastImageRefresh != nil {
		sets = append(sets, "last_image_refresh = ?")
		args = append(args, u.LastImageRefresh.UTC())
	}
	if u.LastLinkCheck != nil {
		sets = append(sets, "last_link_check = ?")
		args = append(args, u.LastLinkCheck.UTC())
	}
	if u.NeedsReview != nil {
		sets = append(sets, "needs_review = ?")
		args = append(args, *u.NeedsReview)
	}
	args = append(args, id)
	return s.update(ctx, id, `UPDATE products SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
}

func (s *SQLiteStore) UpdateExternalData(ctx context.Context, id string, d ExternalData) error {
	sets := []string{"updated_at = ?"}
	args := []any{s.now().UTC()}
	if d.ImageURL != "" {
		sets = append(sets, "image_url = ?")
		args = append(args, d.ImageURL)
	}
	if d.AffiliateURL != "" {
		sets = append(sets, "affiliate_url = ?")
		args = append(args, d.AffiliateURL)
	}
	if d.Price != nil {
		sets = append(sets, "price_amount = ?", "price_currency = ?", "price_display = ?")
		args = append(args, d.Price.Amount, d.Price.Currency, d.Price.DisplayAmount)
	}
	args = append(args, id)
	return s.update(ctx, id, `UPDATE products SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
}

func (s *SQLiteStore) update(ctx context.Context, id, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return errors.Wrapf(err, "update product %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrapf(err, "update product %s", id)
	}
	if n == 0 {
		return errors.Wrapf(ErrNotFound, "product %s", id)
	}
	return nil
}

func (s *SQLiteStore) ListProductIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM products ORDER BY id`)
	if err != nil {
		return nil, errors.Wrap(err, "list product ids")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "scan product id")
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate product ids")
	}
	return ids, nil
}

func (s *SQLiteStore) List(ctx context.Context, f ListFilter) ([]*Product, error) {
	var where []string
	var args []any
	if f.LinkStatus != "" {
		where = append(where, "link_validation_status = ?")
		args = append(args, f.LinkStatus)
	}
	if f.ImageStatus != "" {
		where = append(where, "image_refresh_status = ?")
		args = append(args, f.ImageStatus)
	}
	if f.NeedsReview != nil {
		where = append(where, "needs_review = ?")
		args = append(args, *f.NeedsReview)
	}
	query := `SELECT ` + productColumns + ` FROM products`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list products")
	}
	defer rows.Close()

	var products []*Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan product")
		}
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate products")
	}
	return products, nil
}

var _ Store = (*SQLiteStore)(nil)
