package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/xkilldash9x/profilepilot/internal/otp"
)

// Account is one persisted account record.
type Account struct {
	ID       string
	Email    string
	Password string
	// Profile is the wizard input as a JSON document.
	Profile          []byte
	Attempts         int
	LastError        string
	LastStage        string
	SucceededAt      *time.Time
	CaptchaFlaggedAt *time.Time
	HardFailedAt     *time.Time
	ProxyPort        int
	SessionBlob      string
	PhoneNumber      string
	OTPProvider      string
	OTPOrderID       string
	PendingOTP       bool
	UpdatedAt        time.Time
}

// Outcome is the result of one run attempt as the store records it.
type Outcome struct {
	Success   bool
	Hard      bool
	Challenge bool
	Stage     string
	ErrorKind string
	Evidence  string
}

const accountColumns = `
        id, email, password, profile, attempts,
        COALESCE(last_error, ''), COALESCE(last_stage, ''),
        succeeded_at, captcha_flagged_at, hard_failed_at,
        COALESCE(proxy_port, 0), COALESCE(session_blob, ''),
        COALESCE(phone_number, ''), COALESCE(otp_provider, ''), COALESCE(otp_order_id, ''),
        pending_otp, updated_at`

func scanAccount(row pgx.Row) (Account, error) {
	var a Account
	err := row.Scan(
		&a.ID, &a.Email, &a.Password, &a.Profile, &a.Attempts,
		&a.LastError, &a.LastStage,
		&a.SucceededAt, &a.CaptchaFlaggedAt, &a.HardFailedAt,
		&a.ProxyPort, &a.SessionBlob,
		&a.PhoneNumber, &a.OTPProvider, &a.OTPOrderID,
		&a.PendingOTP, &a.UpdatedAt,
	)
	return a, err
}

func collect(rows pgx.Rows) ([]Account, error) {
	defer rows.Close()
	var out []Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan account row: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return out, nil
}

// Get loads one account.
func (s *Store) Get(ctx context.Context, id string) (Account, error) {
	a, err := scanAccount(s.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Account{}, ErrNotFound
	}
	if err != nil {
		return Account{}, fmt.Errorf("failed to load account %s: %w", id, err)
	}
	return a, nil
}

// List returns every account ordered by id.
func (s *Store) List(ctx context.Context) ([]Account, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+accountColumns+` FROM accounts ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query accounts: %w", err)
	}
	return collect(rows)
}

// Runnable returns the accounts still eligible for a wizard run: not finished,
// not hard failed, under the attempt limit and out of the challenge cooldown.
func (s *Store) Runnable(ctx context.Context, maxAttempts int, cooldown time.Duration, now time.Time) ([]Account, error) {
	query := `SELECT ` + accountColumns + `
        FROM accounts
        WHERE succeeded_at IS NULL
          AND hard_failed_at IS NULL
          AND attempts < $1
          AND (captcha_flagged_at IS NULL OR captcha_flagged_at <= $2)
        ORDER BY updated_at, id`
	rows, err := s.pool.Query(ctx, query, maxAttempts, now.Add(-cooldown).UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to query runnable accounts: %w", err)
	}
	return collect(rows)
}

// Upsert inserts an account or replaces its credentials and profile. Run
// bookkeeping of an existing record is left untouched.
func (s *Store) Upsert(ctx context.Context, a Account) error {
	profile := a.Profile
	if len(profile) == 0 {
		profile = []byte("{}")
	}
	_, err := s.pool.Exec(ctx, `
        INSERT INTO accounts (id, email, password, profile, updated_at)
        VALUES ($1, $2, $3, $4, $5)
        ON CONFLICT (id) DO UPDATE SET
            email = EXCLUDED.email,
            password = EXCLUDED.password,
            profile = EXCLUDED.profile,
            updated_at = EXCLUDED.updated_at`,
		a.ID, a.Email, a.Password, profile, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to upsert account %s: %w", a.ID, err)
	}
	return nil
}

// RecordStage remembers the last stage an account completed.
func (s *Store) RecordStage(ctx context.Context, id, stage string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE accounts SET last_stage = $2, updated_at = $3 WHERE id = $1`,
		id, stage, time.Now().UTC())
	return mustAffect(tag, err, "record stage")
}

// RecordOutcome books one finished run attempt.
func (s *Store) RecordOutcome(ctx context.Context, id string, o Outcome) error {
	now := time.Now().UTC()
	var succeeded, hardFailed, flagged *time.Time
	switch {
	case o.Success:
		succeeded = &now
	case o.Hard:
		hardFailed = &now
	case o.Challenge:
		flagged = &now
	}
	lastError := ""
	if !o.Success {
		lastError = o.ErrorKind
		if o.Evidence != "" {
			lastError += ": " + o.Evidence
		}
	}
	tag, err := s.pool.Exec(ctx, `
        UPDATE accounts SET
            attempts = attempts + 1,
            last_error = $2,
            last_stage = $3,
            succeeded_at = COALESCE($4, succeeded_at),
            hard_failed_at = COALESCE($5, hard_failed_at),
            captcha_flagged_at = COALESCE($6, captcha_flagged_at),
            updated_at = $7
        WHERE id = $1`,
		id, lastError, o.Stage, succeeded, hardFailed, flagged, now)
	if err = mustAffect(tag, err, "record outcome"); err == nil {
		s.log.Debug("Recorded run outcome.", zap.String("account_id", id), zap.String("stage", o.Stage), zap.String("error_kind", o.ErrorKind))
	}
	return err
}

// SaveSession stores the encoded browser session of an account.
func (s *Store) SaveSession(ctx context.Context, id, blob string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE accounts SET session_blob = $2, updated_at = $3 WHERE id = $1`,
		id, blob, time.Now().UTC())
	return mustAffect(tag, err, "save session")
}

// LoadSession returns the encoded session of an account, or "" when none was saved.
func (s *Store) LoadSession(ctx context.Context, id string) (string, error) {
	var blob string
	err := s.pool.QueryRow(ctx, `SELECT COALESCE(session_blob, '') FROM accounts WHERE id = $1`, id).Scan(&blob)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to load session of %s: %w", id, err)
	}
	return blob, nil
}

// AssignedPhone returns the account's verification number, or "" when none was assigned.
func (s *Store) AssignedPhone(ctx context.Context, id string) (string, error) {
	var phone string
	err := s.pool.QueryRow(ctx, `SELECT COALESCE(phone_number, '') FROM accounts WHERE id = $1`, id).Scan(&phone)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to load phone of %s: %w", id, err)
	}
	return phone, nil
}

// SaveOrder records the verification order assigned to an account.
func (s *Store) SaveOrder(ctx context.Context, id string, o otp.Order) error {
	tag, err := s.pool.Exec(ctx, `
        UPDATE accounts SET
            phone_number = $2,
            otp_provider = $3,
            otp_order_id = $4,
            pending_otp = $5,
            updated_at = $6
        WHERE id = $1`,
		id, o.PhoneNumber, o.Provider, o.OrderID, o.Status == otp.StatusPending, time.Now().UTC())
	return mustAffect(tag, err, "save order")
}

// ChoosePort picks a port for an account given its current port and the
// ports held by every other account.
type ChoosePort func(current int, taken map[int]bool) (int, error)

// proxyLockKey serializes proxy port claims across processes.
const proxyLockKey = 0x70726f78

// ClaimProxyPort assigns a proxy port to the account under an advisory lock,
// so concurrent claims never hand out the same port.
func (s *Store) ClaimProxyPort(ctx context.Context, id string, choose ChoosePort) (int, error) {
	var port int
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, proxyLockKey); err != nil {
			return fmt.Errorf("failed to take proxy lock: %w", err)
		}

		var current int
		err := tx.QueryRow(ctx, `SELECT COALESCE(proxy_port, 0) FROM accounts WHERE id = $1 FOR UPDATE`, id).Scan(&current)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to load proxy port of %s: %w", id, err)
		}

		rows, err := tx.Query(ctx, `SELECT proxy_port FROM accounts WHERE proxy_port IS NOT NULL AND id <> $1`, id)
		if err != nil {
			return fmt.Errorf("failed to query taken ports: %w", err)
		}
		taken := map[int]bool{}
		for rows.Next() {
			var p int
			if err := rows.Scan(&p); err != nil {
				rows.Close()
				return fmt.Errorf("failed to scan port: %w", err)
			}
			taken[p] = true
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("error during port iteration: %w", err)
		}

		port, err = choose(current, taken)
		if err != nil {
			return err
		}
		if port == current {
			return nil
		}
		if _, err := tx.Exec(ctx, `UPDATE accounts SET proxy_port = $2, updated_at = $3 WHERE id = $1`, id, port, time.Now().UTC()); err != nil {
			return fmt.Errorf("failed to assign proxy port: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return port, nil
}
