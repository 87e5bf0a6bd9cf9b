package audit

import (
	"context"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5"
)

// Tracer is a pgx.QueryTracer installed on the elevated connection pool. It
// attributes every write statement to the human found in the query context,
// even though the statement runs with master credentials.
type Tracer struct {
	sink   Sink
	logger *slog.Logger
}

// NewTracer constructs a Tracer forwarding entries to sink.
func NewTracer(sink Sink, logger *slog.Logger) *Tracer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracer{sink: sink, logger: logger}
}

type pendingWriteKey struct{}

// TraceQueryStart implements pgx.QueryTracer.
func (t *Tracer) TraceQueryStart(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	verb, table := classifyStatement(data.SQL)
	if verb == "" {
		return ctx
	}
	entry := NewEntry(ctx, ActionElevatedWrite, table, "*")
	entry.Meta["statement"] = verb
	return context.WithValue(ctx, pendingWriteKey{}, entry)
}

// TraceQueryEnd implements pgx.QueryTracer.
func (t *Tracer) TraceQueryEnd(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryEndData) {
	entry, ok := ctx.Value(pendingWriteKey{}).(Entry)
	if !ok {
		return
	}
	entry.Meta["rows"] = data.CommandTag.RowsAffected()
	if data.Err != nil {
		entry.Meta["error"] = data.Err.Error()
	}
	if !entry.Attributed() {
		t.logger.Warn("unattributed elevated write",
			slog.String("entity", entry.Entity),
			slog.Any("statement", entry.Meta["statement"]))
	}
	if t.sink == nil {
		return
	}
	if err := t.sink.Submit(context.WithoutCancel(ctx), entry); err != nil {
		t.logger.Error("submit elevated write audit", slog.Any("error", err), LogAttr(ctx))
	}
}

var _ pgx.QueryTracer = (*Tracer)(nil)

var writeVerbs = map[string]string{
	"INSERT": "INTO",
	"UPDATE": "",
	"DELETE": "FROM",
	"MERGE":  "INTO",
}

// classifyStatement returns the write verb and target table of sql, or an
// empty verb for read-only statements. After a WITH clause the first
// top-level SELECT ends the scan; row locks (FOR UPDATE) are not writes.
func classifyStatement(sql string) (verb, table string) {
	fields := strings.Fields(stripComments(sql))
	depth := 0
	for i, f := range fields {
		trimmed := strings.TrimLeft(f, "(")
		depth += len(f) - len(trimmed)
		word := strings.ToUpper(trimmed)
		atTop := depth == 0
		depth += strings.Count(trimmed, "(") - strings.Count(trimmed, ")")

		next, isWrite := writeVerbs[word]
		if !isWrite {
			if i == 0 && word != "WITH" {
				return "", ""
			}
			if atTop && (word == "SELECT" || word == "VALUES" || word == "TABLE") {
				return "", ""
			}
			continue
		}
		if word == "UPDATE" && i > 0 {
			if prev := strings.ToUpper(fields[i-1]); prev == "FOR" || prev == "KEY" {
				continue
			}
		}
		j := i + 1
		if next != "" && j < len(fields) && strings.EqualFold(fields[j], next) {
			j++
		}
		if j < len(fields) && strings.EqualFold(fields[j], "ONLY") {
			j++
		}
		if j < len(fields) {
			table = fields[j]
			if idx := strings.IndexByte(table, '('); idx > 0 {
				table = table[:idx]
			}
			table = strings.Trim(table, `"(;`)
		}
		if table == "" {
			table = "unknown"
		}
		return word, strings.ToLower(table)
	}
	return "", ""
}

func stripComments(sql string) string {
	var b strings.Builder
	for _, line := range strings.Split(sql, "\n") {
		if idx := strings.Index(line, "--"); idx >= 0 {
			line = line[:idx]
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return b.String()
}
