package main

import (
	"context"
	"database/sql"
)

const squadCols = `id, guild_id, role_id, name, description, welcome_message,
	announcement_channel, switch_cost, max_members, is_active, is_default, created_at, updated_at`

func scanSquad(scanner interface{ Scan(...interface{}) error }) (Squad, error) {
	var s Squad
	err := scanner.Scan(&s.ID, &s.GuildID, &s.RoleID, &s.Name, &s.Description, &s.WelcomeMessage,
		&s.AnnouncementChannel, &s.SwitchCost, &s.MaxMembers, &s.IsActive, &s.IsDefault,
		&s.CreatedAt, &s.UpdatedAt)
	return s, err
}

// applyDiscount computes floor(base * (100-discount) / 100).
func applyDiscount(base int64, discountPercent int) int64 {
	return base * int64(100-discountPercent) / 100
}

// activeDiscount returns the best active sale discount for a squad and
// kind, or 0 when none applies.
func activeDiscount(ctx context.Context, q queryer, squadID, kind string) (int, error) {
	var pct int
	now := nowFunc().Unix()
	err := q.QueryRowContext(ctx, `SELECT COALESCE(MAX(discount_percent), 0) FROM squad_sales
		WHERE squad_id = ? AND kind = ? AND starts_at <= ? AND ends_at >= ?`,
		squadID, kind, now, now).Scan(&pct)
	return pct, err
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// decorateSquad fills the computed member count and sale-adjusted costs.
func decorateSquad(ctx context.Context, q queryer, s *Squad) error {
	if err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM squad_memberships WHERE squad_id = ?`,
		s.ID).Scan(&s.MemberCount); err != nil {
		return err
	}
	joinPct, err := activeDiscount(ctx, q, s.ID, "join")
	if err != nil {
		return err
	}
	switchPct, err := activeDiscount(ctx, q, s.ID, "switch")
	if err != nil {
		return err
	}
	s.CurrentJoinCost = applyDiscount(s.SwitchCost, joinPct)
	s.CurrentSwitchCost = applyDiscount(s.SwitchCost, switchPct)
	return nil
}

// listSquads returns a guild's squads with pricing, default squad last.
func listSquads(ctx context.Context, guildID string) ([]Squad, error) {
	rows, err := db.QueryContext(ctx, `SELECT `+squadCols+` FROM squads
		WHERE guild_id = ? ORDER BY is_default ASC, lower(name) ASC`, guildID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []Squad{}
	for rows.Next() {
		s, err := scanSquad(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		if err := decorateSquad(ctx, db, &out[i]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func getSquad(ctx context.Context, guildID, squadID string) (Squad, error) {
	row := db.QueryRowContext(ctx, `SELECT `+squadCols+` FROM squads WHERE id = ? AND guild_id = ?`,
		squadID, guildID)
	s, err := scanSquad(row)
	if err == sql.ErrNoRows {
		return s, errNotFound("squad")
	}
	if err != nil {
		return s, err
	}
	err = decorateSquad(ctx, db, &s)
	return s, err
}

// getUserSquad is null-safe: a user in no squad gets in_squad=false.
func getUserSquad(ctx context.Context, guildID, userID string) (UserSquadResponse, error) {
	resp := UserSquadResponse{UserID: userID}
	var squadID string
	err := db.QueryRowContext(ctx, `SELECT squad_id FROM squad_memberships
		WHERE guild_id = ? AND user_id = ?`, guildID, userID).Scan(&squadID)
	if err == sql.ErrNoRows {
		return resp, nil
	}
	if err != nil {
		return resp, err
	}
	s, err := getSquad(ctx, guildID, squadID)
	if err != nil {
		return resp, err
	}
	resp.Squad = &s
	resp.InSquad = true
	return resp, nil
}

// joinSquad moves a user into a squad, charging the join or switch fee
// as a SYSTEM transaction. Membership replacement, fee debit and the
// activity rows commit together or not at all.
func joinSquad(ctx context.Context, guildID, squadID, userID, username string) (JoinResult, error) {
	var res JoinResult
	cfg, err := loadGuildConfig(ctx, guildID)
	if err != nil {
		return res, err
	}

	target, err := getSquad(ctx, guildID, squadID)
	if err != nil {
		return res, err
	}
	if !target.IsActive {
		return res, errNotFound("squad")
	}
	if target.IsDefault {
		return res, errValidation("squad_id", "the default squad cannot be joined directly")
	}

	// Previous membership, if any, decides fee kind and campaign lock.
	var prev *Squad
	var prevSquadID string
	err = db.QueryRowContext(ctx, `SELECT squad_id FROM squad_memberships
		WHERE guild_id = ? AND user_id = ?`, guildID, userID).Scan(&prevSquadID)
	if err != nil && err != sql.ErrNoRows {
		return res, err
	}
	if err == nil {
		p, err := getSquad(ctx, guildID, prevSquadID)
		if err != nil {
			return res, err
		}
		prev = &p
	}

	if prev != nil && prev.ID == target.ID {
		return res, errAlreadyInSquad(target.Name)
	}
	if campaignActive(guildID) && prev != nil && !prev.IsDefault {
		return res, errCampaignLocked()
	}

	fee := target.CurrentSwitchCost
	if prev == nil || prev.IsDefault {
		fee = target.CurrentJoinCost
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return res, err
	}
	defer tx.Rollback()

	// Capacity is re-checked under the transaction; two concurrent joins
	// racing for the last slot cannot both pass.
	if target.MaxMembers != nil {
		var n int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM squad_memberships WHERE squad_id = ?`,
			target.ID).Scan(&n); err != nil {
			return res, err
		}
		if n >= *target.MaxMembers {
			return res, errSquadFull(target.Name, *target.MaxMembers)
		}
	}

	b, err := ensureBalanceTx(ctx, tx, cfg, guildID, userID)
	if err != nil {
		return res, err
	}
	if b.Balance < fee {
		return res, errInsufficientBalance(fee, b.Balance)
	}

	now := nowFunc().Unix()
	if fee > 0 {
		_, err = tx.ExecContext(ctx, `UPDATE bytes_balances
			SET balance = balance - ?, total_sent = total_sent + ?, updated_at = ?
			WHERE guild_id = ? AND user_id = ?`, fee, fee, now, guildID, userID)
		if err != nil {
			return res, err
		}
		reason := "Squad join fee: " + target.Name
		if err := insertTransactionTx(ctx, tx, guildID, userID, username, SystemUser, SystemUser, fee, &reason); err != nil {
			return res, err
		}
	}

	if prev != nil {
		if _, err := tx.ExecContext(ctx, `DELETE FROM squad_memberships
			WHERE guild_id = ? AND user_id = ?`, guildID, userID); err != nil {
			return res, err
		}
		if err := logActivityTx(ctx, tx, guildID, userID, &prev.ID, "squad_leave",
			map[string]interface{}{"squad_name": prev.Name}); err != nil {
			return res, err
		}
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO squad_memberships (guild_id, user_id, squad_id, joined_at)
		VALUES (?, ?, ?, ?)`, guildID, userID, target.ID, now); err != nil {
		return res, err
	}
	if err := logActivityTx(ctx, tx, guildID, userID, &target.ID, "squad_join",
		map[string]interface{}{"squad_name": target.Name, "fee": fee}); err != nil {
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

	target.MemberCount++
	if prev != nil {
		prev.MemberCount--
	}
	return JoinResult{Squad: target, PreviousSquad: prev, FeePaid: fee, NewBalance: b.Balance}, nil
}

// squadMembers lists members with last-known usernames, oldest first.
func squadMembers(ctx context.Context, guildID, squadID string, limit, offset int) ([]SquadMember, int, error) {
	if _, err := getSquad(ctx, guildID, squadID); err != nil {
		return nil, 0, err
	}

	var total int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM squad_memberships WHERE squad_id = ?`,
		squadID).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := db.QueryContext(ctx, `SELECT m.user_id, COALESCE(n.username, ''), m.joined_at
		FROM squad_memberships m
		LEFT JOIN user_names n ON n.guild_id = m.guild_id AND n.user_id = m.user_id
		WHERE m.squad_id = ? ORDER BY m.joined_at ASC, m.user_id ASC LIMIT ? OFFSET ?`,
		squadID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	out := []SquadMember{}
	for rows.Next() {
		var m SquadMember
		if err := rows.Scan(&m.UserID, &m.Username, &m.JoinedAt); err != nil {
			return nil, 0, err
		}
		out = append(out, m)
	}
	return out, total, rows.Err()
}
