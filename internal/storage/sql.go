package storage

import (
	"strconv"
	"strings"
)

// placeholder renders the i-th (1-based) bind parameter for a SQL dialect.
type placeholder func(i int) string

func questionMark(int) string { return "?" }
func dollar(i int) string     { return "$" + strconv.Itoa(i) }

func bodyText(d Document) string {
	if len(d.Body) == 0 {
		return "null"
	}
	return string(d.Body)
}

const upsertDocument = `INSERT INTO documents(collection, id, user_id, kind, status, at, expires_at, body)
 VALUES(%s)
 ON CONFLICT(collection, id) DO UPDATE SET
   user_id=excluded.user_id, kind=excluded.kind, status=excluded.status,
   at=excluded.at, expires_at=excluded.expires_at, body=excluded.body`

func placeholders(ph placeholder, n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = ph(i + 1)
	}
	return strings.Join(parts, ",")
}

// listQuery builds the SELECT for List.
func listQuery(ph placeholder, c Collection, f Filter) (string, []any) {
	var (
		b    strings.Builder
		args []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		b.WriteString(" AND ")
		b.WriteString(strings.Replace(cond, "?", ph(len(args)), 1))
	}

	args = append(args, string(c))
	b.WriteString(`SELECT id, user_id, kind, status, at, expires_at, body FROM documents WHERE collection = ` + ph(1))
	if f.UserID != "" {
		add("user_id = ?", f.UserID)
	}
	if f.Kind != "" {
		add("kind = ?", f.Kind)
	}
	if f.Status != "" {
		add("status = ?", f.Status)
	}
	if !f.From.IsZero() {
		add("at >= ?", f.From.UnixMilli())
	}
	if !f.To.IsZero() {
		add("at < ?", f.To.UnixMilli())
	}
	if f.Desc {
		b.WriteString(" ORDER BY at DESC, id DESC")
	} else {
		b.WriteString(" ORDER BY at ASC, id ASC")
	}
	if f.Limit > 0 {
		b.WriteString(" LIMIT " + strconv.Itoa(f.Limit))
	}
	return b.String(), args
}

func pruneQuery(ph placeholder) string {
	return `DELETE FROM documents WHERE collection = ` + ph(1) +
		` AND (at < ` + ph(2) + ` OR (expires_at > 0 AND expires_at < ` + ph(3) + `))`
}

// rowScanner is satisfied by *sql.Row(s) and pgx.Row(s).
type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(r rowScanner) (Document, error) {
	var (
		d       Document
		at, exp int64
		body    []byte
	)
	if err := r.Scan(&d.ID, &d.UserID, &d.Kind, &d.Status, &at, &exp, &body); err != nil {
		return Document{}, err
	}
	d.At = fromMilli(at)
	d.ExpiresAt = fromMilli(exp)
	d.Body = body
	return d, nil
}
