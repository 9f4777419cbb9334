package billing

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/odyssey-erp/odyssey-billing/internal/platform/db"
)

const clientColumns = `id, institution_id, name, tax_id, email, provider_customer_id, created_at, updated_at`

// Repository provides PostgreSQL backed access to local client records. Every method
// holds a pooled connection only for the duration of its query.
type Repository struct {
	pool db.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool db.Pool) *Repository {
	return &Repository{pool: pool}
}

var _ ClientStore = (*Repository)(nil)

// ClientByTaxID looks up a client by CPF/CNPJ digits.
func (r *Repository) ClientByTaxID(ctx context.Context, taxID string) (*LocalClient, error) {
	digits := NormalizeTaxID(taxID)
	if digits == "" {
		return nil, invalid("tax_id", "required")
	}
	return r.getOne(ctx, `SELECT `+clientColumns+` FROM clients
WHERE regexp_replace(tax_id, '\D', '', 'g') = $1
ORDER BY id LIMIT 1`, digits)
}

// ClientByProviderID looks up a client by provider customer id.
func (r *Repository) ClientByProviderID(ctx context.Context, providerID string) (*LocalClient, error) {
	if providerID == "" {
		return nil, invalid("provider_customer_id", "required")
	}
	return r.getOne(ctx, `SELECT `+clientColumns+` FROM clients
WHERE provider_customer_id = $1
ORDER BY id LIMIT 1`, providerID)
}

// ClientsByInstitution returns the clients of an institution ordered by name.
func (r *Repository) ClientsByInstitution(ctx context.Context, institutionID int64) ([]LocalClient, error) {
	return r.list(ctx, `SELECT `+clientColumns+` FROM clients
WHERE institution_id = $1
ORDER BY name, id`, institutionID)
}

// ClientsWithProviderID returns every client linked to a provider customer.
func (r *Repository) ClientsWithProviderID(ctx context.Context) ([]LocalClient, error) {
	return r.list(ctx, `SELECT `+clientColumns+` FROM clients
WHERE provider_customer_id IS NOT NULL AND provider_customer_id <> ''
ORDER BY id`)
}

// ClientsMissingProviderID returns up to limit clients not yet linked. A limit of
// zero or less returns every unlinked client.
func (r *Repository) ClientsMissingProviderID(ctx context.Context, limit int) ([]LocalClient, error) {
	var maxRows pgtype.Int8
	if limit > 0 {
		maxRows = pgtype.Int8{Int64: int64(limit), Valid: true}
	}
	// LIMIT NULL is no limit.
	return r.list(ctx, `SELECT `+clientColumns+` FROM clients
WHERE (provider_customer_id IS NULL OR provider_customer_id = '') AND tax_id <> ''
ORDER BY id LIMIT $1`, maxRows)
}

// LinkProviderCustomer stores the provider customer id of a client.
func (r *Repository) LinkProviderCustomer(ctx context.Context, clientID int64, providerID string) error {
	if clientID <= 0 {
		return invalid("client_id", "required")
	}
	if providerID == "" {
		return invalid("provider_customer_id", "required")
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		var current pgtype.Text
		err := tx.QueryRow(ctx, `SELECT provider_customer_id FROM clients WHERE id = $1 FOR UPDATE`, clientID).Scan(&current)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("billing: lock client %d: %w", clientID, err)
		}
		if current.Valid && current.String == providerID {
			return nil
		}
		_, err = tx.Exec(ctx, `UPDATE clients SET provider_customer_id = $1, updated_at = NOW() WHERE id = $2`, providerID, clientID)
		return err
	})
}

func (r *Repository) getOne(ctx context.Context, query string, args ...any) (*LocalClient, error) {
	var client LocalClient
	err := db.WithConn(ctx, r.pool, func(conn db.Conn) error {
		c, err := scanClient(conn.QueryRow(ctx, query, args...))
		if err != nil {
			return err
		}
		client = c
		return nil
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &client, nil
}

func (r *Repository) list(ctx context.Context, query string, args ...any) ([]LocalClient, error) {
	var clients []LocalClient
	err := db.WithConn(ctx, r.pool, func(conn db.Conn) error {
		rows, err := conn.Query(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			c, err := scanClient(rows)
			if err != nil {
				return err
			}
			clients = append(clients, c)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return clients, nil
}

func scanClient(row pgx.Row) (LocalClient, error) {
	var c LocalClient
	var email, providerID pgtype.Text
	if err := row.Scan(&c.ID, &c.InstitutionID, &c.Name, &c.TaxID, &email, &providerID, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return LocalClient{}, err
	}
	c.Email = email.String
	c.ProviderCustomerID = providerID.String
	return c, nil
}
