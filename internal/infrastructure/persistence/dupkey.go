package persistence

import (
	"errors"
	"regexp"
	"strconv"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"
	"gorm.io/gorm"

	apperrors "github.com/gearbot/msglog/pkg/errors"
)

// pgUniqueViolation is SQLSTATE unique_violation.
const pgUniqueViolation = "23505"

var (
	// Key (id)=(1187654321098765432) already exists.
	pgDetailKey = regexp.MustCompile(`\(id\)=\((\d+)\)`)
	// Duplicate entry '1187654321098765432' for key 'PRIMARY'
	mysqlDuplicateEntry = regexp.MustCompile(`Duplicate entry '(\d+)' for key`)
)

// classifyDuplicateKey 识别主键冲突并尽量解析出冲突的消息ID
//
// The returned error has ID 0 when the driver does not name the conflicting
// key (sqlite, translated gorm errors).
func classifyDuplicateKey(err error) (*apperrors.DuplicateKeyError, bool) {
	if err == nil {
		return nil, false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgErr.Code != pgUniqueViolation {
			return nil, false
		}
		return apperrors.NewDuplicateKeyError(parseKeyID(pgDetailKey, pgErr.Detail), err), true
	}

	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.ExtendedCode {
		case sqlite3.ErrConstraintPrimaryKey, sqlite3.ErrConstraintUnique:
			return apperrors.NewDuplicateKeyError(0, err), true
		}
		return nil, false
	}

	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return apperrors.NewDuplicateKeyError(0, err), true
	}

	if msg := err.Error(); mysqlDuplicateEntry.MatchString(msg) {
		return apperrors.NewDuplicateKeyError(parseKeyID(mysqlDuplicateEntry, msg), err), true
	}

	return nil, false
}

func parseKeyID(re *regexp.Regexp, s string) uint64 {
	m := re.FindStringSubmatch(s)
	if m == nil {
		return 0
	}
	id, err := strconv.ParseUint(m[1], 10, 64)
	if err != nil {
		return 0
	}
	return id
}
