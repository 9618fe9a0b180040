package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"qms/edge-service/internal/models"
	"qms/edge-service/internal/store"
)

func (s *Store) GetTenant(ctx context.Context, tenantID string) (models.Tenant, error) {
	var tenant models.Tenant
	err := s.db.QueryRowContext(ctx, `SELECT tenant_id, name FROM tenants WHERE tenant_id = ?`, tenantID).
		Scan(&tenant.TenantID, &tenant.Name)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Tenant{}, store.ErrTenantNotFound
		}
		return models.Tenant{}, err
	}
	return tenant, nil
}

func (s *Store) GetService(ctx context.Context, tenantID, serviceID string) (models.Service, error) {
	return getService(ctx, s.db, tenantID, serviceID)
}

func (s *Store) GetCounter(ctx context.Context, tenantID, counterID string) (models.Counter, error) {
	return getCounter(ctx, s.db, tenantID, counterID)
}

func (s *Store) GetOperator(ctx context.Context, tenantID, operatorID string) (models.Operator, error) {
	return getOperator(ctx, s.db, tenantID, operatorID)
}

func (s *Store) ListServices(ctx context.Context, tenantID string) ([]models.Service, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT service_id, tenant_id, name, ticket_prefix, priority_mode, active
		FROM services
		WHERE tenant_id = ? AND active = 1
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
	rows, err := s.db.QueryContext(ctx, `
		SELECT counter_id, tenant_id, name, active
		FROM counters
		WHERE tenant_id = ? AND active = 1
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
	err := q.QueryRowContext(ctx, `
		SELECT service_id, tenant_id, name, ticket_prefix, priority_mode, active
		FROM services
		WHERE service_id = ? AND tenant_id = ?
	`, serviceID, tenantID).Scan(&service.ServiceID, &service.TenantID, &service.Name, &service.TicketPrefix, &service.PriorityMode, &service.Active)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Service{}, store.ErrServiceNotFound
		}
		return models.Service{}, err
	}
	return service, nil
}

func getCounter(ctx context.Context, q querier, tenantID, counterID string) (models.Counter, error) {
	var counter models.Counter
	err := q.QueryRowContext(ctx, `
		SELECT counter_id, tenant_id, name, active
		FROM counters
		WHERE counter_id = ? AND tenant_id = ?
	`, counterID, tenantID).Scan(&counter.CounterID, &counter.TenantID, &counter.Name, &counter.Active)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Counter{}, store.ErrCounterNotFound
		}
		return models.Counter{}, err
	}
	return counter, nil
}

func getOperator(ctx context.Context, q querier, tenantID, operatorID string) (models.Operator, error) {
	var operator models.Operator
	err := q.QueryRowContext(ctx, `
		SELECT operator_id, tenant_id, full_name, active
		FROM operators
		WHERE operator_id = ? AND tenant_id = ?
	`, operatorID, tenantID).Scan(&operator.OperatorID, &operator.TenantID, &operator.FullName, &operator.Active)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Operator{}, store.ErrOperatorNotFound
		}
		return models.Operator{}, err
	}
	return operator, nil
}

// SeedDirectory upserts the tenant's reference rows by id.
func (s *Store) SeedDirectory(ctx context.Context, seed store.DirectorySeed) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `
		INSERT INTO tenants (tenant_id, name) VALUES (?, ?)
		ON CONFLICT (tenant_id) DO UPDATE SET name = excluded.name
	`, seed.Tenant.TenantID, seed.Tenant.Name); err != nil {
		return fmt.Errorf("seed tenant: %w", err)
	}
	for _, service := range seed.Services {
		if _, err = tx.ExecContext(ctx, `
			INSERT INTO services (service_id, tenant_id, name, ticket_prefix, priority_mode, active)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (service_id) DO UPDATE SET
				name = excluded.name,
				ticket_prefix = excluded.ticket_prefix,
				priority_mode = excluded.priority_mode,
				active = excluded.active
		`, service.ServiceID, seed.Tenant.TenantID, service.Name, service.TicketPrefix, service.PriorityMode, service.Active); err != nil {
			return fmt.Errorf("seed service %s: %w", service.ServiceID, err)
		}
	}
	for _, counter := range seed.Counters {
		if _, err = tx.ExecContext(ctx, `
			INSERT INTO counters (counter_id, tenant_id, name, active)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (counter_id) DO UPDATE SET name = excluded.name, active = excluded.active
		`, counter.CounterID, seed.Tenant.TenantID, counter.Name, counter.Active); err != nil {
			return fmt.Errorf("seed counter %s: %w", counter.CounterID, err)
		}
	}
	for _, operator := range seed.Operators {
		if _, err = tx.ExecContext(ctx, `
			INSERT INTO operators (operator_id, tenant_id, full_name, active)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (operator_id) DO UPDATE SET full_name = excluded.full_name, active = excluded.active
		`, operator.OperatorID, seed.Tenant.TenantID, operator.FullName, operator.Active); err != nil {
			return fmt.Errorf("seed operator %s: %w", operator.OperatorID, err)
		}
	}
	return tx.Commit()
}
