package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

func newMemberID() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return "mem_" + hex.EncodeToString(b)
}

// ErrAlreadyExists is returned when a uniqueness guard rejects a write.
var ErrAlreadyExists = errors.New("already exists")

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func encodeParts(parts []InstrumentalPart) string {
	if parts == nil {
		parts = []InstrumentalPart{}
	}
	raw, _ := json.Marshal(parts)
	return string(raw)
}

func decodeParts(raw []byte) ([]InstrumentalPart, error) {
	parts := make([]InstrumentalPart, 0)
	if len(raw) == 0 {
		return parts, nil
	}
	if err := json.Unmarshal(raw, &parts); err != nil {
		return nil, fmt.Errorf("decode parts: %w", err)
	}
	return parts, nil
}

// Members

const memberColumns = `id, COALESCE(line_user_id, ''), display_name, photo_url, profile_updated_at,
	COALESCE(email, ''), password_hash, email_verified, verification_token, verification_expires_at,
	approved, approved_at, role, created_at, updated_at`

func scanMember(row interface{ Scan(...any) error }) (Member, error) {
	var m Member
	err := row.Scan(&m.ID, &m.LineUserID, &m.DisplayName, &m.PhotoURL, &m.ProfileUpdatedAt,
		&m.Email, &m.PasswordHash, &m.IsEmailVerified, &m.VerificationToken, &m.VerificationExpiresAt,
		&m.Approved, &m.ApprovedAt, &m.Role, &m.CreatedAt, &m.UpdatedAt)
	return m, err
}

// EnsureMemberByLineID creates a member lazily on first inbound interaction.
func (s *PostgresStore) EnsureMemberByLineID(ctx context.Context, lineUserID string) (Member, error) {
	member, err := s.GetMemberByLineID(ctx, lineUserID)
	if err == nil {
		return member, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Member{}, fmt.Errorf("lookup member: %w", err)
	}

	insert := `
		INSERT INTO members (id, line_user_id)
		VALUES ($1, $2)
		ON CONFLICT (line_user_id) DO UPDATE SET updated_at = NOW()
		RETURNING ` + memberColumns
	return scanMember(s.db.QueryRowContext(ctx, insert, newMemberID(), lineUserID))
}

func (s *PostgresStore) GetMemberByLineID(ctx context.Context, lineUserID string) (Member, error) {
	return scanMember(s.db.QueryRowContext(ctx,
		`SELECT `+memberColumns+` FROM members WHERE line_user_id = $1`, lineUserID))
}

func (s *PostgresStore) GetMemberByID(ctx context.Context, memberID string) (Member, error) {
	return scanMember(s.db.QueryRowContext(ctx,
		`SELECT `+memberColumns+` FROM members WHERE id = $1`, memberID))
}

func (s *PostgresStore) GetMemberByEmail(ctx context.Context, email string) (Member, error) {
	return scanMember(s.db.QueryRowContext(ctx,
		`SELECT `+memberColumns+` FROM members WHERE email = $1`, email))
}

func (s *PostgresStore) ListMembers(ctx context.Context) ([]Member, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+memberColumns+` FROM members ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	defer rows.Close()

	members := make([]Member, 0)
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

func (s *PostgresStore) CreateMember(ctx context.Context, member Member) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO members (id, line_user_id, display_name, photo_url, email, password_hash,
			email_verified, verification_token, role)
		VALUES ($1, NULLIF($2, ''), $3, $4, NULLIF($5, ''), $6, $7, $8, $9)
	`, member.ID, member.LineUserID, member.DisplayName, member.PhotoURL, member.Email,
		member.PasswordHash, member.IsEmailVerified, member.VerificationToken, member.Role)
	if err != nil {
		return fmt.Errorf("insert member: %w", err)
	}
	return nil
}

// UpdateMemberProfile refreshes the opportunistically-synced profile fields.
func (s *PostgresStore) UpdateMemberProfile(ctx context.Context, memberID, displayName, photoURL string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE members SET display_name=$2, photo_url=$3, profile_updated_at=NOW(), updated_at=NOW()
		WHERE id=$1
	`, memberID, displayName, photoURL)
	if err != nil {
		return fmt.Errorf("update member profile: %w", err)
	}
	return nil
}

func (s *PostgresStore) ApproveMember(ctx context.Context, memberID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE members SET approved=TRUE, approved_at=NOW(), updated_at=NOW() WHERE id=$1
	`, memberID)
	if err != nil {
		return fmt.Errorf("approve member: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateMemberVerificationToken(ctx context.Context, memberID, token string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE members SET verification_token=$2, verification_expires_at=$3, updated_at=NOW() WHERE id=$1
	`, memberID, token, expiresAt)
	if err != nil {
		return fmt.Errorf("update verification token: %w", err)
	}
	return nil
}

func (s *PostgresStore) VerifyMemberEmail(ctx context.Context, token string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE members SET email_verified=TRUE, verification_token='', updated_at=NOW()
		WHERE verification_token=$1 AND verification_expires_at > NOW()
	`, token)
	if err != nil {
		return fmt.Errorf("verify email: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("verify email: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) UpdateMemberPassword(ctx context.Context, memberID, passwordHash string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE members SET password_hash=$2, updated_at=NOW() WHERE id=$1
	`, memberID, passwordHash)
	if err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	return nil
}

// DeleteMemberCascade erases a member together with their dialogue state,
// submissions, and entries, in one transaction.
func (s *PostgresStore) DeleteMemberCascade(ctx context.Context, memberID, lineUserID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete member: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if lineUserID != "" {
		if _, err := tx.ExecContext(ctx, `DELETE FROM user_states WHERE line_user_id=$1`, lineUserID); err != nil {
			return fmt.Errorf("delete dialogue state: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM entries WHERE member_uid=$1 OR song_id IN
			(SELECT session_id || '_' || user_id FROM submissions WHERE user_id=$1)
	`, memberID); err != nil {
		return fmt.Errorf("delete member entries: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM submissions WHERE user_id=$1`, memberID); err != nil {
		return fmt.Errorf("delete member submissions: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM entries WHERE member_uid=$1 OR song_id IN
			(SELECT id FROM proposals WHERE proposer_uid=$1)
	`, memberID); err != nil {
		return fmt.Errorf("delete proposal entries: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM proposals WHERE proposer_uid=$1`, memberID); err != nil {
		return fmt.Errorf("delete member proposals: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM refresh_sessions WHERE member_id=$1`, memberID); err != nil {
		return fmt.Errorf("delete refresh sessions: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM password_resets WHERE member_id=$1`, memberID); err != nil {
		return fmt.Errorf("delete password resets: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM members WHERE id=$1`, memberID); err != nil {
		return fmt.Errorf("delete member: %w", err)
	}
	return tx.Commit()
}

// Sessions

const sessionColumns = `id, title, date, status, export_object, created_at, updated_at`

func scanSession(row interface{ Scan(...any) error }) (Session, error) {
	var sess Session
	err := row.Scan(&sess.ID, &sess.Title, &sess.Date, &sess.Status, &sess.ExportObject,
		&sess.CreatedAt, &sess.UpdatedAt)
	return sess, err
}

func (s *PostgresStore) GetSession(ctx context.Context, sessionID string) (Session, error) {
	return scanSession(s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id=$1`, sessionID))
}

// GetCurrentSession resolves the singleton "current" pointer.
func (s *PostgresStore) GetCurrentSession(ctx context.Context) (Session, error) {
	return scanSession(s.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE id = (SELECT session_id FROM current_session)
	`))
}

func (s *PostgresStore) SetCurrentSession(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO current_session (singleton, session_id) VALUES (TRUE, $1)
		ON CONFLICT (singleton) DO UPDATE SET session_id=EXCLUDED.session_id
	`, sessionID)
	if err != nil {
		return fmt.Errorf("set current session: %w", err)
	}
	return nil
}

func (s *PostgresStore) InsertSession(ctx context.Context, sess Session) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, title, date, status) VALUES ($1, $2, $3, $4)
	`, sess.ID, sess.Title, sess.Date, sess.Status)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListSessions(ctx context.Context) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	sessions := make([]Session, 0)
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

func (s *PostgresStore) UpdateSessionStatus(ctx context.Context, sessionID, status string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET status=$2, updated_at=NOW() WHERE id=$1
	`, sessionID, status)
	if err != nil {
		return fmt.Errorf("update session status: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateSessionExportObject(ctx context.Context, sessionID, object string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET export_object=$2, updated_at=NOW() WHERE id=$1
	`, sessionID, object)
	if err != nil {
		return fmt.Errorf("update session export object: %w", err)
	}
	return nil
}

// Submissions

const submissionColumns = `session_id, user_id, title_raw, artist_raw, audio_url, score_url,
	reference_url_1, reference_url_2, reference_url_3, reference_url_4, reference_url_5,
	description, parts, my_parts, created_at, updated_at`

func scanSubmission(row interface{ Scan(...any) error }) (Submission, error) {
	var sub Submission
	var parts, myParts []byte
	err := row.Scan(&sub.SessionID, &sub.UserID, &sub.TitleRaw, &sub.ArtistRaw,
		&sub.AudioURL, &sub.ScoreURL,
		&sub.ReferenceURL1, &sub.ReferenceURL2, &sub.ReferenceURL3, &sub.ReferenceURL4, &sub.ReferenceURL5,
		&sub.Description, &parts, &myParts, &sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		return Submission{}, err
	}
	if sub.Parts, err = decodeParts(parts); err != nil {
		return Submission{}, err
	}
	if sub.MyParts, err = decodeParts(myParts); err != nil {
		return Submission{}, err
	}
	return sub, nil
}

func (s *PostgresStore) GetSubmission(ctx context.Context, sessionID, userID string) (Submission, error) {
	return scanSubmission(s.db.QueryRowContext(ctx, `
		SELECT `+submissionColumns+` FROM submissions WHERE session_id=$1 AND user_id=$2
	`, sessionID, userID))
}

func (s *PostgresStore) ListSubmissions(ctx context.Context, sessionID string) ([]Submission, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+submissionColumns+` FROM submissions WHERE session_id=$1 ORDER BY created_at
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list submissions: %w", err)
	}
	defer rows.Close()

	subs := make([]Submission, 0)
	for rows.Next() {
		sub, err := scanSubmission(rows)
		if err != nil {
			return nil, fmt.Errorf("scan submission: %w", err)
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// UpsertSubmission writes a submission by its composite key. created_at is
// stamped only on first write so duplicate commits stay idempotent.
func (s *PostgresStore) UpsertSubmission(ctx context.Context, sub Submission) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO submissions (session_id, user_id, title_raw, artist_raw, audio_url, score_url,
			reference_url_1, reference_url_2, reference_url_3, reference_url_4, reference_url_5,
			description, parts, my_parts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (session_id, user_id) DO UPDATE SET
			title_raw=EXCLUDED.title_raw, artist_raw=EXCLUDED.artist_raw,
			audio_url=EXCLUDED.audio_url, score_url=EXCLUDED.score_url,
			reference_url_1=EXCLUDED.reference_url_1, reference_url_2=EXCLUDED.reference_url_2,
			reference_url_3=EXCLUDED.reference_url_3, reference_url_4=EXCLUDED.reference_url_4,
			reference_url_5=EXCLUDED.reference_url_5,
			description=EXCLUDED.description, parts=EXCLUDED.parts, my_parts=EXCLUDED.my_parts,
			updated_at=NOW()
	`, sub.SessionID, sub.UserID, sub.TitleRaw, sub.ArtistRaw, sub.AudioURL, sub.ScoreURL,
		sub.ReferenceURL1, sub.ReferenceURL2, sub.ReferenceURL3, sub.ReferenceURL4, sub.ReferenceURL5,
		sub.Description, encodeParts(sub.Parts), encodeParts(sub.MyParts))
	if err != nil {
		return fmt.Errorf("upsert submission: %w", err)
	}
	return nil
}

// DeleteSubmissionCascade removes a submission and every entry referencing it.
func (s *PostgresStore) DeleteSubmissionCascade(ctx context.Context, sessionID, userID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete submission: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	songID := SubmissionID(sessionID, userID)
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM entries WHERE session_id=$1 AND song_id=$2`, sessionID, songID); err != nil {
		return fmt.Errorf("delete submission entries: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM submissions WHERE session_id=$1 AND user_id=$2`, sessionID, userID); err != nil {
		return fmt.Errorf("delete submission: %w", err)
	}
	return tx.Commit()
}

// Proposals

const proposalColumns = `id, session_id, proposer_uid, title, artist, instrumentation, my_part,
	source_url, score_url, notes, setlist_order, selected, created_at, updated_at`

func scanProposal(row interface{ Scan(...any) error }) (Proposal, error) {
	var p Proposal
	err := row.Scan(&p.ID, &p.SessionID, &p.ProposerUID, &p.Title, &p.Artist, &p.Instrumentation,
		&p.MyPart, &p.SourceURL, &p.ScoreURL, &p.Notes, &p.SetlistOrder, &p.Selected,
		&p.CreatedAt, &p.UpdatedAt)
	return p, err
}

func (s *PostgresStore) GetProposal(ctx context.Context, sessionID, proposalID string) (Proposal, error) {
	return scanProposal(s.db.QueryRowContext(ctx, `
		SELECT `+proposalColumns+` FROM proposals WHERE session_id=$1 AND id=$2
	`, sessionID, proposalID))
}

func (s *PostgresStore) GetProposalByProposer(ctx context.Context, sessionID, proposerUID string) (Proposal, error) {
	return scanProposal(s.db.QueryRowContext(ctx, `
		SELECT `+proposalColumns+` FROM proposals WHERE session_id=$1 AND proposer_uid=$2
	`, sessionID, proposerUID))
}

func (s *PostgresStore) ListProposals(ctx context.Context, sessionID string) ([]Proposal, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+proposalColumns+` FROM proposals
		WHERE session_id=$1
		ORDER BY COALESCE(setlist_order, 0), created_at
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list proposals: %w", err)
	}
	defer rows.Close()

	proposals := make([]Proposal, 0)
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, fmt.Errorf("scan proposal: %w", err)
		}
		proposals = append(proposals, p)
	}
	return proposals, rows.Err()
}

// CreateProposalWithSelfEntry inserts the proposal and the author's self-entry
// in one transaction, guarding the one-proposal-per-member invariant inside it.
func (s *PostgresStore) CreateProposalWithSelfEntry(ctx context.Context, proposal Proposal, entry Entry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create proposal: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists bool
	err = tx.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM proposals WHERE session_id=$1 AND proposer_uid=$2)
	`, proposal.SessionID, proposal.ProposerUID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check existing proposal: %w", err)
	}
	if exists {
		return ErrAlreadyExists
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO proposals (id, session_id, proposer_uid, title, artist, instrumentation,
			my_part, source_url, score_url, notes)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, proposal.ID, proposal.SessionID, proposal.ProposerUID, proposal.Title, proposal.Artist,
		proposal.Instrumentation, proposal.MyPart, proposal.SourceURL, proposal.ScoreURL,
		proposal.Notes); err != nil {
		return fmt.Errorf("insert proposal: %w", err)
	}

	if err := upsertEntryTx(ctx, tx, entry); err != nil {
		return err
	}
	return tx.Commit()
}

// UpdateProposalWithSelfEntry updates the proposal and regenerates the
// author's self-entry, since the declared part may have changed.
func (s *PostgresStore) UpdateProposalWithSelfEntry(ctx context.Context, proposal Proposal, entry Entry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin update proposal: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		UPDATE proposals SET title=$3, artist=$4, instrumentation=$5, my_part=$6,
			source_url=$7, score_url=$8, notes=$9, updated_at=NOW()
		WHERE session_id=$1 AND id=$2
	`, proposal.SessionID, proposal.ID, proposal.Title, proposal.Artist, proposal.Instrumentation,
		proposal.MyPart, proposal.SourceURL, proposal.ScoreURL, proposal.Notes); err != nil {
		return fmt.Errorf("update proposal: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM entries WHERE session_id=$1 AND song_id=$2 AND member_uid=$3 AND is_self_proposal
	`, entry.SessionID, entry.SongID, entry.MemberUID); err != nil {
		return fmt.Errorf("delete self entry: %w", err)
	}
	if err := upsertEntryTx(ctx, tx, entry); err != nil {
		return err
	}
	return tx.Commit()
}

// DeleteProposalCascade removes a proposal and every entry referencing it,
// not only the author's self-entry.
func (s *PostgresStore) DeleteProposalCascade(ctx context.Context, sessionID, proposalID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete proposal: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM entries WHERE session_id=$1 AND song_id=$2`, sessionID, proposalID); err != nil {
		return fmt.Errorf("delete proposal entries: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM proposals WHERE session_id=$1 AND id=$2`, sessionID, proposalID); err != nil {
		return fmt.Errorf("delete proposal: %w", err)
	}
	return tx.Commit()
}

// UpdateSetlist rewrites the order of every listed proposal and marks them
// selected; proposals not listed are deselected.
func (s *PostgresStore) UpdateSetlist(ctx context.Context, sessionID string, orderedIDs []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin update setlist: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		UPDATE proposals SET selected=FALSE, setlist_order=NULL, updated_at=NOW() WHERE session_id=$1
	`, sessionID); err != nil {
		return fmt.Errorf("clear setlist: %w", err)
	}
	for i, id := range orderedIDs {
		if _, err := tx.ExecContext(ctx, `
			UPDATE proposals SET selected=TRUE, setlist_order=$3, updated_at=NOW()
			WHERE session_id=$1 AND id=$2
		`, sessionID, id, i+1); err != nil {
			return fmt.Errorf("order proposal %s: %w", id, err)
		}
	}
	return tx.Commit()
}

// Entries

const entryColumns = `session_id, song_id, member_uid, parts, is_self_proposal, created_at, updated_at`

func scanEntry(row interface{ Scan(...any) error }) (Entry, error) {
	var e Entry
	var parts []byte
	err := row.Scan(&e.SessionID, &e.SongID, &e.MemberUID, &parts, &e.IsSelfProposal,
		&e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return Entry{}, err
	}
	if e.Parts, err = decodeParts(parts); err != nil {
		return Entry{}, err
	}
	return e, nil
}

func (s *PostgresStore) GetEntry(ctx context.Context, sessionID, songID, memberUID string) (Entry, error) {
	return scanEntry(s.db.QueryRowContext(ctx, `
		SELECT `+entryColumns+` FROM entries WHERE session_id=$1 AND song_id=$2 AND member_uid=$3
	`, sessionID, songID, memberUID))
}

func (s *PostgresStore) ListEntries(ctx context.Context, sessionID string) ([]Entry, error) {
	return s.queryEntries(ctx, `
		SELECT `+entryColumns+` FROM entries WHERE session_id=$1 ORDER BY created_at
	`, sessionID)
}

func (s *PostgresStore) ListEntriesByMember(ctx context.Context, sessionID, memberUID string) ([]Entry, error) {
	return s.queryEntries(ctx, `
		SELECT `+entryColumns+` FROM entries WHERE session_id=$1 AND member_uid=$2 ORDER BY created_at
	`, sessionID, memberUID)
}

func (s *PostgresStore) queryEntries(ctx context.Context, query string, args ...any) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	defer rows.Close()

	entries := make([]Entry, 0)
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func upsertEntryTx(ctx context.Context, tx *sql.Tx, entry Entry) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO entries (session_id, song_id, member_uid, parts, is_self_proposal)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (session_id, song_id, member_uid) DO UPDATE SET
			parts=EXCLUDED.parts, is_self_proposal=EXCLUDED.is_self_proposal, updated_at=NOW()
	`, entry.SessionID, entry.SongID, entry.MemberUID, encodeParts(entry.Parts), entry.IsSelfProposal)
	if err != nil {
		return fmt.Errorf("upsert entry: %w", err)
	}
	return nil
}

// UpsertEntry writes an entry by its composite key, keeping commits idempotent.
func (s *PostgresStore) UpsertEntry(ctx context.Context, entry Entry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin upsert entry: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	if err := upsertEntryTx(ctx, tx, entry); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *PostgresStore) DeleteEntry(ctx context.Context, sessionID, songID, memberUID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM entries WHERE session_id=$1 AND song_id=$2 AND member_uid=$3
	`, sessionID, songID, memberUID)
	if err != nil {
		return fmt.Errorf("delete entry: %w", err)
	}
	return nil
}

// ReplaceMemberEntries swaps all of a member's entries for the session with
// the provided set as one atomic batch, so partial application is impossible.
func (s *PostgresStore) ReplaceMemberEntries(ctx context.Context, sessionID, memberUID string, entries []Entry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin replace entries: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM entries WHERE session_id=$1 AND member_uid=$2`, sessionID, memberUID); err != nil {
		return fmt.Errorf("delete member entries: %w", err)
	}
	for _, entry := range entries {
		if err := upsertEntryTx(ctx, tx, entry); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Dialogue state (Postgres fallback backend)

func (s *PostgresStore) GetDialogueState(ctx context.Context, lineUserID string) (DialogueState, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT doc FROM user_states WHERE line_user_id=$1`, lineUserID).Scan(&raw)
	if err != nil {
		return DialogueState{}, err
	}
	var state DialogueState
	if err := json.Unmarshal(raw, &state); err != nil {
		return DialogueState{}, fmt.Errorf("decode dialogue state: %w", err)
	}
	state.LineUserID = lineUserID
	return state, nil
}

func (s *PostgresStore) SaveDialogueState(ctx context.Context, state DialogueState) error {
	state.StateUpdatedAt = time.Now()
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode dialogue state: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO user_states (line_user_id, doc, state_updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (line_user_id) DO UPDATE SET doc=EXCLUDED.doc, state_updated_at=NOW()
	`, state.LineUserID, raw)
	if err != nil {
		return fmt.Errorf("save dialogue state: %w", err)
	}
	return nil
}

func (s *PostgresStore) ResetDialogueState(ctx context.Context, lineUserID string) error {
	return s.SaveDialogueState(ctx, DialogueState{LineUserID: lineUserID, State: "IDLE"})
}

// Refresh sessions and token revocation (Postgres backend)

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash, memberID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, member_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET member_id=EXCLUDED.member_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, memberID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (Member, error) {
	const query = `
		SELECT ` + memberColumns + `
		FROM refresh_sessions rs
		JOIN members ON members.id = rs.member_id
		WHERE rs.token_hash = $1
			AND rs.revoked_at IS NULL
			AND rs.expires_at > NOW()
	`
	return scanMember(s.db.QueryRowContext(ctx, query, tokenHash))
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_access_tokens (jti, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, exp)
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM revoked_access_tokens WHERE jti=$1)`, jti).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return revoked, nil
}

// Password resets (authpw backend)

func (s *PostgresStore) CreatePasswordReset(ctx context.Context, memberID, token string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO password_resets (token_hash, member_id, expires_at) VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO NOTHING
	`, token, memberID, expiresAt)
	if err != nil {
		return fmt.Errorf("create password reset: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetPasswordReset(ctx context.Context, token string) (string, error) {
	var memberID string
	err := s.db.QueryRowContext(ctx, `
		SELECT member_id FROM password_resets
		WHERE token_hash=$1 AND used_at IS NULL AND expires_at > NOW()
	`, token).Scan(&memberID)
	if err != nil {
		return "", err
	}
	return memberID, nil
}

func (s *PostgresStore) MarkPasswordResetUsed(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE password_resets SET used_at=NOW() WHERE token_hash=$1`, token)
	if err != nil {
		return fmt.Errorf("mark password reset used: %w", err)
	}
	return nil
}
