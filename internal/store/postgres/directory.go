package postgres

import (
	"context"
	"errors"
	"fmt"

	"qms/edge-service/internal/models"
	"qms/edge-service/internal/store"

	"github.com/jackc/pgx/v5"
)

func (s *Store) GetTenant(ctx context.Context, tenantID string) (models.Tenant, error) {
	var tenant models.Tenant
	row := s.pool.QueryRow(ctx, `SELECT tenant_id, name FROM tenants WHERE tenant_id = $1`, tenantID)
	if err := row.Scan(&tenant.TenantID, &tenant.Name); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Tenant{}, store.ErrTenantNotFound
		}
		return models.Tenant{}, err
	}
	return tenant, nil
}

func (s *Store) GetService(ctx context.Context, tenantID, serviceID string) (models.Service, error) {
	return getService(ctx, s.pool, tenantID, serviceID)
}

func (s *Store) GetCounter(ctx context.Context, tenantID, counterID string) (models.Counter, error) {
	return getCounter(ctx, s.pool, tenantID, counterID)
}

func (s *Store) GetOperator(ctx context.Context, tenantID, operatorID string) (models.Operator, error) {
	return getOperator(ctx, s.pool, tenantID, operatorID)
}

func (s *Store) ListServices(ctx context.Context, tenantID string) ([]models.Service, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT service_id, tenant_id, name, ticket_prefix, priority_mode, active
		FROM services
		WHERE tenant_id = $1 AND active
		ORDER BY name ASC
	`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	services := []models.Service{}
	for rows.Next() {
		var service models.Service
		if err := rows.Scan(&service.ServiceID, &service.TenantID, &service.Name, &service.TicketPrefix, &service.PriorityMode, &service.Active); err != nil {
			return nil, err
		}
		services = append(services, service)
	}
	return services, rows.Err()
}

func (s *Store) ListCounters(ctx context.Context, tenantID string) ([]models.Counter, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT counter_id, tenant_id, name, active
		FROM counters
		WHERE tenant_id = $1 AND active
		ORDER BY name ASC
	`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counters := []models.Counter{}
	for rows.Next() {
		var counter models.Counter
		if err := rows.Scan(&counter.CounterID, &counter.TenantID, &counter.Name, &counter.Active); err != nil {
			return nil, err
		}
		counters = append(counters, counter)
	}
	return counters, rows.Err()
}

func getService(ctx context.Context, q querier, tenantID, serviceID string) (models.Service, error) {
	var service models.Service
	row := q.QueryRow(ctx, `
		SELECT service_id, tenant_id, name, ticket_prefix, priority_mode, active
		FROM services
		WHERE service_id = $1 AND tenant_id = $2
	`, serviceID, tenantID)
	if err := row.Scan(&service.ServiceID, &service.TenantID, &service.Name, &service.TicketPrefix, &service.PriorityMode, &service.Active); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Service{}, store.ErrServiceNotFound
		}
		return models.Service{}, err
	}
	return service, nil
}

func getCounter(ctx context.Context, q querier, tenantID, counterID string) (models.Counter, error) {
	var counter models.Counter
	row := q.QueryRow(ctx, `
		SELECT counter_id, tenant_id, name, active
		FROM counters
		WHERE counter_id = $1 AND tenant_id = $2
	`, counterID, tenantID)
	if err := row.Scan(&counter.CounterID, &counter.TenantID, &counter.Name, &counter.Active); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Counter{}, store.ErrCounterNotFound
		}
		return models.Counter{}, err
	}
	return counter, nil
}

func getOperator(ctx context.Context, q querier, tenantID, operatorID string) (models.Operator, error) {
	var operator models.Operator
	row := q.QueryRow(ctx, `
		SELECT operator_id, tenant_id, full_name, active
		FROM operators
		WHERE operator_id = $1 AND tenant_id = $2
	`, operatorID, tenantID)
	if err := row.Scan(&operator.OperatorID, &operator.TenantID, &operator.FullName, &operator.Active); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Operator{}, store.ErrOperatorNotFound
		}
		return models.Operator{}, err
	}
	return operator, nil
}

// SeedDirectory upserts the tenant's reference rows by id.
func (s *Store) SeedDirectory(ctx context.Context, seed store.DirectorySeed) (err error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if _, err = tx.Exec(ctx, `
		INSERT INTO tenants (tenant_id, name) VALUES ($1, $2)
		ON CONFLICT (tenant_id) DO UPDATE SET name = EXCLUDED.name
	`, seed.Tenant.TenantID, seed.Tenant.Name); err != nil {
		return fmt.Errorf("seed tenant: %w", err)
	}
	for _, service := range seed.Services {
		if _, err = tx.Exec(ctx, `
			INSERT INTO services (service_id, tenant_id, name, ticket_prefix, priority_mode, active)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (service_id) DO UPDATE SET
				name = EXCLUDED.name,
				ticket_prefix = EXCLUDED.ticket_prefix,
				priority_mode = EXCLUDED.priority_mode,
				active = EXCLUDED.active
		`, service.ServiceID, seed.Tenant.TenantID, service.Name, service.TicketPrefix, service.PriorityMode, service.Active); err != nil {
			return fmt.Errorf("seed service %s: %w", service.ServiceID, err)
		}
	}
	for _, counter := range seed.Counters {
		if _, err = tx.Exec(ctx, `
			INSERT INTO counters (counter_id, tenant_id, name, active)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (counter_id) DO UPDATE SET name = EXCLUDED.name, active = EXCLUDED.active
		`, counter.CounterID, seed.Tenant.TenantID, counter.Name, counter.Active); err != nil {
			return fmt.Errorf("seed counter %s: %w", counter.CounterID, err)
		}
	}
	for _, operator := range seed.Operators {
		if _, err = tx.Exec(ctx, `
			INSERT INTO operators (operator_id, tenant_id, full_name, active)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (operator_id) DO UPDATE SET full_name = EXCLUDED.full_name, active = EXCLUDED.active
		`, operator.OperatorID, seed.Tenant.TenantID, operator.FullName, operator.Active); err != nil {
			return fmt.Errorf("seed operator %s: %w", operator.OperatorID, err)
		}
	}
	return tx.Commit(ctx)
}
