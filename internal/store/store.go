// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package store is the pgx-backed persistence layer implementing the
// database schema contract: subscribers, static_ips, access_policies,
// and subscriber_usage. Every transaction that touches a subscriber's
// data_balance runs under SERIALIZABLE isolation.
package store

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"grimm.is/cellmeter/internal/config"
	cmerrors "grimm.is/cellmeter/internal/errors"
)

// PolicyKind is the per-direction access policy kind.
type PolicyKind int

const (
	PolicyUnlimited PolicyKind = 1
	PolicyBlock     PolicyKind = 2
	PolicyTokenBkt  PolicyKind = 3
)

// DirectionalPolicy is one of the four (local/backhaul)x(ul/dl)
// sub-policies of an access policy row.
type DirectionalPolicy struct {
	Kind      PolicyKind
	RateKibps uint32 // only meaningful when Kind == PolicyTokenBkt
}

// AccessPolicy mirrors one row of access_policies.
type AccessPolicy struct {
	ID          int64
	LocalUL     DirectionalPolicy
	LocalDL     DirectionalPolicy
	BackhaulUL  DirectionalPolicy
	BackhaulDL  DirectionalPolicy
}

// Subscriber mirrors one row of subscribers joined with its static IP.
type Subscriber struct {
	InternalUID           int64
	IMSI                  string
	IP                    string
	DataBalance           int64
	Bridged               bool
	CurrentPolicy         int64
	ZeroBalancePolicy     int64
	PositiveBalancePolicy int64
}

// Store wraps a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to Postgres using cfg and returns a ready Store.
func Open(ctx context.Context, cfg config.DatabaseConfig) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, cmerrors.Wrap(err, cmerrors.KindDatabase, "parse dsn")
	}
	if cfg.MaxOpenConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxOpenConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, cmerrors.Wrap(err, cmerrors.KindDatabase, "connect")
	}

	return &Store{pool: pool}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// withSerializable runs fn inside a SERIALIZABLE transaction.
func (s *Store) withSerializable(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return cmerrors.Wrap(err, cmerrors.KindDatabase, "begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return cmerrors.Wrap(err, cmerrors.KindDatabase, "commit tx")
	}
	return nil
}

// ResolveSubscriberByIP looks up the subscriber owning ip. Returns a
// KindUserLookup error if zero or more than one row matches.
func (s *Store) ResolveSubscriberByIP(ctx context.Context, ip string) (Subscriber, error) {
	const q = `
		SELECT s.internal_uid, s.imsi, si.ip::text, s.data_balance, s.bridged,
		       s.current_policy, s.zero_balance_policy, s.positive_balance_policy
		FROM subscribers s
		JOIN static_ips si ON si.imsi = s.imsi
		WHERE si.ip = $1::inet`

	rows, err := s.pool.Query(ctx, q, ip)
	if err != nil {
		return Subscriber{}, cmerrors.Wrap(err, cmerrors.KindDatabase, "query subscriber by ip")
	}
	defer rows.Close()

	var found []Subscriber
	for rows.Next() {
		var sub Subscriber
		if err := rows.Scan(&sub.InternalUID, &sub.IMSI, &sub.IP, &sub.DataBalance,
			&sub.Bridged, &sub.CurrentPolicy, &sub.ZeroBalancePolicy, &sub.PositiveBalancePolicy); err != nil {
			return Subscriber{}, cmerrors.Wrap(err, cmerrors.KindDatabase, "scan subscriber")
		}
		found = append(found, sub)
	}
	if err := rows.Err(); err != nil {
		return Subscriber{}, cmerrors.Wrap(err, cmerrors.KindDatabase, "iterate subscriber rows")
	}

	if len(found) != 1 {
		return Subscriber{}, cmerrors.Errorf(cmerrors.KindUserLookup,
			"ip %s resolved to %d subscribers, expected exactly one", ip, len(found))
	}
	return found[0], nil
}

// DebitResult reports the post-debit state of a balance update.
type DebitResult struct {
	NewBalance int64
	WentToZero bool
}

// DebitBalance subtracts amount from the subscriber's data_balance,
// floors it at zero in the same transaction, and reports whether the
// subscriber crossed from positive into zero-or-below. The whole
// operation runs under SERIALIZABLE.
func (s *Store) DebitBalance(ctx context.Context, subscriberUID int64, amount int64, previouslyPositive bool) (DebitResult, error) {
	var result DebitResult

	err := s.withSerializable(ctx, func(tx pgx.Tx) error {
		const q = `
			UPDATE subscribers
			SET data_balance = GREATEST(0, data_balance - $1)
			WHERE internal_uid = $2
			RETURNING data_balance`

		row := tx.QueryRow(ctx, q, amount, subscriberUID)
		if err := row.Scan(&result.NewBalance); err != nil {
			return cmerrors.Wrap(err, cmerrors.KindDatabase, "debit balance")
		}

		result.WentToZero = previouslyPositive && result.NewBalance <= 0
		return nil
	})
	if err != nil {
		return DebitResult{}, err
	}
	return result, nil
}

// SetAppliedPolicy writes back the policy id the enforcer just applied
// for subscriberUID, along with the bridged state it implies.
func (s *Store) SetAppliedPolicy(ctx context.Context, subscriberUID int64, policyID int64, bridged bool) error {
	return s.withSerializable(ctx, func(tx pgx.Tx) error {
		const q = `UPDATE subscribers SET current_policy = $1, bridged = $2 WHERE internal_uid = $3`
		if _, err := tx.Exec(ctx, q, policyID, bridged, subscriberUID); err != nil {
			return cmerrors.Wrap(err, cmerrors.KindDatabase, "update current_policy")
		}
		return nil
	})
}

// SubscribersNeedingReconciliation returns every subscriber whose
// current_policy does not match the policy implied by its data_balance.
func (s *Store) SubscribersNeedingReconciliation(ctx context.Context) ([]Subscriber, error) {
	const q = `
		SELECT s.internal_uid, s.imsi, si.ip::text, s.data_balance, s.bridged,
		       s.current_policy, s.zero_balance_policy, s.positive_balance_policy
		FROM subscribers s
		JOIN static_ips si ON si.imsi = s.imsi
		WHERE (s.data_balance > 0 AND s.current_policy != s.positive_balance_policy)
		   OR (s.data_balance = 0 AND s.current_policy != s.zero_balance_policy)`

	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, cmerrors.Wrap(err, cmerrors.KindDatabase, "query reconciliation candidates")
	}
	defer rows.Close()

	var subs []Subscriber
	for rows.Next() {
		var sub Subscriber
		if err := rows.Scan(&sub.InternalUID, &sub.IMSI, &sub.IP, &sub.DataBalance,
			&sub.Bridged, &sub.CurrentPolicy, &sub.ZeroBalancePolicy, &sub.PositiveBalancePolicy); err != nil {
			return nil, cmerrors.Wrap(err, cmerrors.KindDatabase, "scan subscriber")
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// AllSubscribers returns every subscriber, used by the enforcer's
// startup reconciliation sweep.
func (s *Store) AllSubscribers(ctx context.Context) ([]Subscriber, error) {
	const q = `
		SELECT s.internal_uid, s.imsi, si.ip::text, s.data_balance, s.bridged,
		       s.current_policy, s.zero_balance_policy, s.positive_balance_policy
		FROM subscribers s
		JOIN static_ips si ON si.imsi = s.imsi`

	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, cmerrors.Wrap(err, cmerrors.KindDatabase, "query all subscribers")
	}
	defer rows.Close()

	var subs []Subscriber
	for rows.Next() {
		var sub Subscriber
		if err := rows.Scan(&sub.InternalUID, &sub.IMSI, &sub.IP, &sub.DataBalance,
			&sub.Bridged, &sub.CurrentPolicy, &sub.ZeroBalancePolicy, &sub.PositiveBalancePolicy); err != nil {
			return nil, cmerrors.Wrap(err, cmerrors.KindDatabase, "scan subscriber")
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// policyParameters is the JSON shape of an access policy's per-direction
// parameters column.
type policyParameters struct {
	RateKibps uint32 `json:"rate_kibps"`
}

// decodeDirectionalPolicy builds a DirectionalPolicy from a kind column
// and its parameters JSON. An empty or NULL parameters object is valid:
// only TokenBucket carries a rate.
func decodeDirectionalPolicy(kind int16, params []byte) (DirectionalPolicy, error) {
	var p policyParameters
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return DirectionalPolicy{}, cmerrors.Wrap(err, cmerrors.KindDatabase, "decode policy parameters")
		}
	}
	return DirectionalPolicy{Kind: PolicyKind(kind), RateKibps: p.RateKibps}, nil
}

// AccessPolicyByID loads one access_policies row, decoding each
// directional sub-policy's (kind, parameters-json) pair.
func (s *Store) AccessPolicyByID(ctx context.Context, id int64) (AccessPolicy, error) {
	const q = `
		SELECT id, local_ul_policy_kind, local_ul_policy_parameters,
		       local_dl_policy_kind, local_dl_policy_parameters,
		       backhaul_ul_policy_kind, backhaul_ul_policy_parameters,
		       backhaul_dl_policy_kind, backhaul_dl_policy_parameters
		FROM access_policies WHERE id = $1`

	var (
		p                                  AccessPolicy
		lulKind, ldlKind, bulKind, bdlKind int16
		lulPar, ldlPar, bulPar, bdlPar     []byte
	)

	row := s.pool.QueryRow(ctx, q, id)
	if err := row.Scan(&p.ID, &lulKind, &lulPar, &ldlKind, &ldlPar,
		&bulKind, &bulPar, &bdlKind, &bdlPar); err != nil {
		if err == pgx.ErrNoRows {
			return AccessPolicy{}, cmerrors.Errorf(cmerrors.KindDatabase, "access policy %d not found", id)
		}
		return AccessPolicy{}, cmerrors.Wrap(err, cmerrors.KindDatabase, "query access policy")
	}

	var err error
	if p.LocalUL, err = decodeDirectionalPolicy(lulKind, lulPar); err != nil {
		return AccessPolicy{}, err
	}
	if p.LocalDL, err = decodeDirectionalPolicy(ldlKind, ldlPar); err != nil {
		return AccessPolicy{}, err
	}
	if p.BackhaulUL, err = decodeDirectionalPolicy(bulKind, bulPar); err != nil {
		return AccessPolicy{}, err
	}
	if p.BackhaulDL, err = decodeDirectionalPolicy(bdlKind, bdlPar); err != nil {
		return AccessPolicy{}, err
	}
	return p, nil
}

// RecordUsage inserts one subscriber_usage row for a flushed aggregation
// window.
func (s *Store) RecordUsage(ctx context.Context, subscriberUID int64, startUnix, endUnix int64, ranUp, ranDown, wanUp, wanDown int64) error {
	const q = `
		INSERT INTO subscriber_usage
			(subscriber, start_time, end_time, ran_bytes_up, ran_bytes_down, wan_bytes_up, wan_bytes_down)
		VALUES ($1, to_timestamp($2), to_timestamp($3), $4, $5, $6, $7)`

	if _, err := s.pool.Exec(ctx, q, subscriberUID, startUnix, endUnix, ranUp, ranDown, wanUp, wanDown); err != nil {
		return cmerrors.Wrap(err, cmerrors.KindDatabase, "record usage")
	}
	return nil
}

