package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
)

// --- Row helpers (all run inside the caller's transaction) ---

func scanBalance(row *sql.Row) (BytesBalance, error) {
	var b BytesBalance
	err := row.Scan(&b.GuildID, &b.UserID, &b.Balance, &b.TotalReceived, &b.TotalSent,
		&b.StreakCount, &b.LastDailyDate, &b.LastTransferAt, &b.CreatedAt, &b.UpdatedAt)
	return b, err
}

const balanceCols = `guild_id, user_id, balance, total_received, total_sent,
	streak_count, last_daily_date, last_transfer_at, created_at, updated_at`

// ensureBalanceTx fetches a balance row, creating it with the welcome
// bonus on first sight of the user. Never fails for unknown users.
func ensureBalanceTx(ctx context.Context, tx *sql.Tx, cfg GuildConfig, guildID, userID string) (BytesBalance, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT `+balanceCols+` FROM bytes_balances WHERE guild_id=? AND user_id=?`, guildID, userID)
	b, err := scanBalance(row)
	if err == nil {
		return b, nil
	}
	if err != sql.ErrNoRows {
		return b, err
	}

	now := nowFunc().Unix()
	_, err = tx.ExecContext(ctx, `INSERT INTO bytes_balances
		(guild_id, user_id, balance, total_received, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		guildID, userID, cfg.StartingBalance, cfg.StartingBalance, now, now)
	if err != nil {
		return b, err
	}
	if cfg.StartingBalance > 0 {
		reason := "New member welcome bonus"
		if err := insertTransactionTx(ctx, tx, guildID, SystemUser, SystemUser,
			userID, "", cfg.StartingBalance, &reason); err != nil {
			return b, err
		}
	}
	row = tx.QueryRowContext(ctx,
		`SELECT `+balanceCols+` FROM bytes_balances WHERE guild_id=? AND user_id=?`, guildID, userID)
	return scanBalance(row)
}

func insertTransactionTx(ctx context.Context, tx *sql.Tx, guildID, giverID, giverName, receiverID, receiverName string, amount int64, reason *string) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO bytes_transactions
		(id, guild_id, giver_id, giver_username, receiver_id, receiver_username, amount, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		newID(), guildID, giverID, giverName, receiverID, receiverName, amount, reason, nowFunc().Unix())
	return err
}

func upsertUsernameTx(ctx context.Context, tx *sql.Tx, guildID, userID, username string) error {
	if username == "" {
		return nil
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO user_names (guild_id, user_id, username, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(guild_id, user_id) DO UPDATE SET username=excluded.username, updated_at=excluded.updated_at`,
		guildID, userID, username, nowFunc().Unix())
	return err
}

// --- Public operations ---

// getBalance returns (and on first call creates) a user's balance.
func getBalance(ctx context.Context, guildID, userID string) (BytesBalance, error) {
	cfg, err := loadGuildConfig(ctx, guildID)
	if err != nil {
		return BytesBalance{}, err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return BytesBalance{}, err
	}
	defer tx.Rollback()
	b, err := ensureBalanceTx(ctx, tx, cfg, guildID, userID)
	if err != nil {
		return BytesBalance{}, err
	}
	return b, tx.Commit()
}

// earnedRoleIDs lists reward roles whose byte threshold the user has
// crossed, sorted for stable responses.
func earnedRoleIDs(cfg GuildConfig, totalReceived int64) []string {
	out := []string{}
	for role, threshold := range cfg.RoleRewards {
		if totalReceived >= threshold {
			out = append(out, role)
		}
	}
	sort.Strings(out)
	return out
}

// claimDaily credits the daily reward once per calendar day in the guild
// reference timezone. Concurrent duplicates lose the guarded UPDATE and
// surface as AlreadyClaimed.
func claimDaily(ctx context.Context, guildID, userID, username string) (DailyClaimResult, error) {
	var res DailyClaimResult
	cfg, err := loadGuildConfig(ctx, guildID)
	if err != nil {
		return res, err
	}

	today := guildDate(nowFunc())
	yesterday := previousDate(today)

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return res, err
	}
	defer tx.Rollback()

	b, err := ensureBalanceTx(ctx, tx, cfg, guildID, userID)
	if err != nil {
		return res, err
	}
	if b.LastDailyDate != nil && *b.LastDailyDate == today {
		return res, errAlreadyClaimed(nextMidnight(today))
	}

	streak := 1
	if b.LastDailyDate != nil && *b.LastDailyDate == yesterday {
		streak = b.StreakCount + 1
	}
	mult := multiplierFor(streak, cfg.StreakBonuses)
	earned := cfg.DailyAmount * int64(mult)

	// Compare-and-set on the calendar date: exactly one concurrent
	// claimer can flip last_daily_date to today.
	r, err := tx.ExecContext(ctx, `UPDATE bytes_balances
		SET balance = balance + ?, total_received = total_received + ?,
			streak_count = ?, last_daily_date = ?, updated_at = ?
		WHERE guild_id = ? AND user_id = ? AND last_daily_date IS NOT ?`,
		earned, earned, streak, today, nowFunc().Unix(), guildID, userID, today)
	if err != nil {
		return res, err
	}
	if n, _ := r.RowsAffected(); n == 0 {
		return res, errAlreadyClaimed(nextMidnight(today))
	}

	reason := fmt.Sprintf("Daily reward (Day %d)", streak)
	if mult > 1 {
		reason = fmt.Sprintf("Daily reward (Day %d, %dx multiplier)", streak, mult)
	}
	if err := insertTransactionTx(ctx, tx, guildID, SystemUser, SystemUser, userID, username, earned, &reason); err != nil {
		return res, err
	}
	if err := logActivityTx(ctx, tx, guildID, userID, nil, "daily_claim", map[string]interface{}{
		"earned": earned, "streak": streak, "multiplier": mult,
	}); err != nil {
		return res, err
	}
	if err := upsertUsernameTx(ctx, tx, guildID, userID, username); err != nil {
		return res, err
	}

	row := tx.QueryRowContext(ctx,
		`SELECT `+balanceCols+` FROM bytes_balances WHERE guild_id=? AND user_id=?`, guildID, userID)
	b, err = scanBalance(row)
	if err != nil {
		return res, err
	}
	if err := tx.Commit(); err != nil {
		return res, err
	}

	return DailyClaimResult{
		Earned: earned, Streak: streak, Multiplier: mult,
		NewBalance: b.Balance, Balance: b,
	}, nil
}

// transfer moves bytes between two users inside one transaction. Balance
// rows are touched in lexicographic user order so concurrent transfers
// never deadlock.
func transfer(ctx context.Context, guildID string, req transferRequest) (TransferResult, error) {
	var res TransferResult
	cfg, err := loadGuildConfig(ctx, guildID)
	if err != nil {
		return res, err
	}

	if req.GiverID == req.ReceiverID {
		return res, errValidation("receiver_id", "cannot transfer bytes to yourself")
	}
	if req.Amount < 1 {
		return res, errValidation("amount", "amount must be at least 1")
	}
	if req.Amount > cfg.MaxTransfer {
		return res, errValidation("amount", fmt.Sprintf("amount exceeds max transfer of %d", cfg.MaxTransfer))
	}
	if req.Reason != nil && len(*req.Reason) > 200 {
		return res, errValidation("reason", "reason must be at most 200 characters")
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return res, err
	}
	defer tx.Rollback()

	first, second := req.GiverID, req.ReceiverID
	if second < first {
		first, second = second, first
	}
	balances := map[string]BytesBalance{}
	for _, uid := range []string{first, second} {
		b, err := ensureBalanceTx(ctx, tx, cfg, guildID, uid)
		if err != nil {
			return res, err
		}
		balances[uid] = b
	}
	giver := balances[req.GiverID]

	now := nowFunc()
	if cfg.TransferCooldownHours > 0 && giver.LastTransferAt != nil {
		end := *giver.LastTransferAt + int64(cfg.TransferCooldownHours)*3600
		if now.Unix() < end {
			return res, errCooldown("Transfer cooldown active", end-now.Unix(), end)
		}
	}
	if giver.Balance < req.Amount {
		return res, errInsufficientBalance(req.Amount, giver.Balance)
	}

	_, err = tx.ExecContext(ctx, `UPDATE bytes_balances
		SET balance = balance - ?, total_sent = total_sent + ?, last_transfer_at = ?, updated_at = ?
		WHERE guild_id = ? AND user_id = ?`,
		req.Amount, req.Amount, now.Unix(), now.Unix(), guildID, req.GiverID)
	if err != nil {
		return res, err
	}
	_, err = tx.ExecContext(ctx, `UPDATE bytes_balances
		SET balance = balance + ?, total_received = total_received + ?, updated_at = ?
		WHERE guild_id = ? AND user_id = ?`,
		req.Amount, req.Amount, now.Unix(), guildID, req.ReceiverID)
	if err != nil {
		return res, err
	}

	txnID := newID()
	_, err = tx.ExecContext(ctx, `INSERT INTO bytes_transactions
		(id, guild_id, giver_id, giver_username, receiver_id, receiver_username, amount, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		txnID, guildID, req.GiverID, req.GiverUsername, req.ReceiverID, req.ReceiverUsername,
		req.Amount, req.Reason, now.Unix())
	if err != nil {
		return res, err
	}

	meta := map[string]interface{}{"amount": req.Amount, "counterparty": req.ReceiverID}
	if err := logActivityTx(ctx, tx, guildID, req.GiverID, nil, "transfer_sent", meta); err != nil {
		return res, err
	}
	meta = map[string]interface{}{"amount": req.Amount, "counterparty": req.GiverID}
	if err := logActivityTx(ctx, tx, guildID, req.ReceiverID, nil, "transfer_received", meta); err != nil {
		return res, err
	}
	if err := upsertUsernameTx(ctx, tx, guildID, req.GiverID, req.GiverUsername); err != nil {
		return res, err
	}
	if err := upsertUsernameTx(ctx, tx, guildID, req.ReceiverID, req.ReceiverUsername); err != nil {
		return res, err
	}

	row := tx.QueryRowContext(ctx,
		`SELECT `+balanceCols+` FROM bytes_balances WHERE guild_id=? AND user_id=?`, guildID, req.GiverID)
	giver, err = scanBalance(row)
	if err != nil {
		return res, err
	}
	if err := tx.Commit(); err != nil {
		return res, err
	}

	return TransferResult{
		Transaction: BytesTransaction{
			ID: txnID, GuildID: guildID,
			GiverID: req.GiverID, GiverUsername: req.GiverUsername,
			ReceiverID: req.ReceiverID, ReceiverUsername: req.ReceiverUsername,
			Amount: req.Amount, Reason: req.Reason, CreatedAt: now.Unix(),
		},
		GiverBalance: giver.Balance,
	}, nil
}

// adminAdjust applies a SYSTEM credit or debit. Negative amounts debit;
// the balance floor at zero is enforced, not clamped.
func adminAdjust(ctx context.Context, guildID string, req adjustRequest) (BytesBalance, error) {
	var zero BytesBalance
	if req.Amount == 0 {
		return zero, errValidation("amount", "amount must be nonzero")
	}
	if req.Reason == "" {
		return zero, errValidation("reason", "reason is required")
	}
	cfg, err := loadGuildConfig(ctx, guildID)
	if err != nil {
		return zero, err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return zero, err
	}
	defer tx.Rollback()

	b, err := ensureBalanceTx(ctx, tx, cfg, guildID, req.UserID)
	if err != nil {
		return zero, err
	}

	reason := "Admin adjustment: " + req.Reason
	if req.Amount > 0 {
		_, err = tx.ExecContext(ctx, `UPDATE bytes_balances
			SET balance = balance + ?, total_received = total_received + ?, updated_at = ?
			WHERE guild_id = ? AND user_id = ?`,
			req.Amount, req.Amount, nowFunc().Unix(), guildID, req.UserID)
		if err != nil {
			return zero, err
		}
		if err := insertTransactionTx(ctx, tx, guildID, SystemUser, SystemUser, req.UserID, req.Username, req.Amount, &reason); err != nil {
			return zero, err
		}
	} else {
		debit := -req.Amount
		if b.Balance < debit {
			return zero, errInsufficientBalance(debit, b.Balance)
		}
		_, err = tx.ExecContext(ctx, `UPDATE bytes_balances
			SET balance = balance - ?, total_sent = total_sent + ?, updated_at = ?
			WHERE guild_id = ? AND user_id = ?`,
			debit, debit, nowFunc().Unix(), guildID, req.UserID)
		if err != nil {
			return zero, err
		}
		if err := insertTransactionTx(ctx, tx, guildID, req.UserID, req.Username, SystemUser, SystemUser, debit, &reason); err != nil {
			return zero, err
		}
	}
	if err := logActivityTx(ctx, tx, guildID, req.UserID, nil, "admin_adjust", map[string]interface{}{
		"amount": req.Amount, "reason": req.Reason,
	}); err != nil {
		return zero, err
	}
	if err := upsertUsernameTx(ctx, tx, guildID, req.UserID, req.Username); err != nil {
		return zero, err
	}

	row := tx.QueryRowContext(ctx,
		`SELECT `+balanceCols+` FROM bytes_balances WHERE guild_id=? AND user_id=?`, guildID, req.UserID)
	b, err = scanBalance(row)
	if err != nil {
		return zero, err
	}
	return b, tx.Commit()
}

// transactionHistory lists a guild's audit log, most recent first,
// optionally filtered to one user on either side.
func transactionHistory(ctx context.Context, guildID string, userID string, limit, offset int) ([]BytesTransaction, error) {
	q := `SELECT id, guild_id, giver_id, giver_username, receiver_id, receiver_username,
		amount, reason, created_at FROM bytes_transactions WHERE guild_id = ?`
	args := []interface{}{guildID}
	if userID != "" {
		q += ` AND (giver_id = ? OR receiver_id = ?)`
		args = append(args, userID, userID)
	}
	q += ` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []BytesTransaction{}
	for rows.Next() {
		var t BytesTransaction
		if err := rows.Scan(&t.ID, &t.GuildID, &t.GiverID, &t.GiverUsername,
			&t.ReceiverID, &t.ReceiverUsername, &t.Amount, &t.Reason, &t.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// leaderboard ranks by balance, ties broken by total received.
func leaderboard(ctx context.Context, guildID string, limit int) ([]LeaderboardEntry, error) {
	rows, err := db.QueryContext(ctx, `SELECT b.user_id, COALESCE(n.username, ''),
		b.balance, b.total_received, b.streak_count
		FROM bytes_balances b
		LEFT JOIN user_names n ON n.guild_id = b.guild_id AND n.user_id = b.user_id
		WHERE b.guild_id = ?
		ORDER BY b.balance DESC, b.total_received DESC, b.user_id ASC
		LIMIT ?`, guildID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []LeaderboardEntry{}
	rank := 0
	for rows.Next() {
		rank++
		e := LeaderboardEntry{Rank: rank}
		if err := rows.Scan(&e.UserID, &e.Username, &e.Balance, &e.TotalReceived, &e.StreakCount); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- Reconciliation & snapshots ---

type reconcileRow struct {
	UserID  string `json:"user_id"`
	Stored  int64  `json:"stored_balance"`
	Derived int64  `json:"derived_balance"`
	Drift   int64  `json:"drift"`
}

// reconcileGuild folds the transaction log per user and reports every
// balance row that disagrees with the fold.
func reconcileGuild(ctx context.Context, guildID string) ([]reconcileRow, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT b.user_id, b.balance,
			COALESCE((SELECT SUM(amount) FROM bytes_transactions t
				WHERE t.guild_id = b.guild_id AND t.receiver_id = b.user_id), 0)
			- COALESCE((SELECT SUM(amount) FROM bytes_transactions t
				WHERE t.guild_id = b.guild_id AND t.giver_id = b.user_id AND t.giver_id <> 'SYSTEM'), 0)
		FROM bytes_balances b WHERE b.guild_id = ?`, guildID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	drift := []reconcileRow{}
	for rows.Next() {
		var r reconcileRow
		if err := rows.Scan(&r.UserID, &r.Stored, &r.Derived); err != nil {
			return nil, err
		}
		if r.Stored != r.Derived {
			r.Drift = r.Stored - r.Derived
			drift = append(drift, r)
		}
	}
	return drift, rows.Err()
}

// snapshotGuild serializes every balance in the guild, compresses the
// blob and stores it append-only with its blake3 hash.
func snapshotGuild(ctx context.Context, guildID string) (int64, string, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT `+balanceCols+` FROM bytes_balances WHERE guild_id = ? ORDER BY user_id`, guildID)
	if err != nil {
		return 0, "", err
	}
	defer rows.Close()

	balances := []BytesBalance{}
	for rows.Next() {
		var b BytesBalance
		if err := rows.Scan(&b.GuildID, &b.UserID, &b.Balance, &b.TotalReceived, &b.TotalSent,
			&b.StreakCount, &b.LastDailyDate, &b.LastTransferAt, &b.CreatedAt, &b.UpdatedAt); err != nil {
			return 0, "", err
		}
		balances = append(balances, b)
	}
	if err := rows.Err(); err != nil {
		return 0, "", err
	}

	raw, err := json.Marshal(balances)
	if err != nil {
		return 0, "", err
	}
	blob := compressLZ4(raw)
	hash := hashBLAKE3(raw)

	res, err := db.ExecContext(ctx, `INSERT INTO guild_snapshots (guild_id, taken_at, state_blob, final_hash)
		VALUES (?, ?, ?, ?)`, guildID, nowFunc().Unix(), blob, hash)
	if err != nil {
		return 0, "", err
	}
	id, _ := res.LastInsertId()
	return id, hash, nil
}
