package store

import (
	"crypto/sha1"
	"database/sql"
	"encoding/hex"

	"github.com/wesm/msgvault/internal/mime"
)

// ReplaceMessageHeaders stores header rows for a message, deduplicated by
// (message_id, name, value_hash) — a header row pair appears at most once,
// per the message's Header entity. Existing headers are cleared first so a
// re-ingest (trash re-sync, incremental refresh) doesn't accumulate stale
// rows from a prior payload.
func (s *Store) ReplaceMessageHeaders(messageID int64, headers []mime.Header) error {
	return s.withTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM message_headers WHERE message_id = ?`, messageID); err != nil {
			return err
		}
		if len(headers) == 0 {
			return nil
		}
		return insertInChunks(tx, len(headers), 4,
			"INSERT OR IGNORE INTO message_headers (message_id, name, value, value_hash) VALUES ",
			func(start, end int) ([]string, []interface{}) {
				values := make([]string, end-start)
				args := make([]interface{}, 0, (end-start)*4)
				for i := start; i < end; i++ {
					values[i-start] = "(?, ?, ?, ?)"
					sum := sha1.Sum([]byte(headers[i].Value))
					args = append(args, messageID, headers[i].Name, headers[i].Value, hex.EncodeToString(sum[:]))
				}
				return values, args
			})
	})
}
