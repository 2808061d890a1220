package storage

import (
	"errors"
	"fmt"
	"slices"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/mysql"
	"github.com/go-sql-driver/mysql"

	"github.com/rl1809/lottery-saga/internal/core/domain"
)

const (
	mysqlDuplicateEntry  uint16 = 1062
	mysqlLockWaitTimeout uint16 = 1205
	mysqlDeadlock        uint16 = 1213
)

var dialect = goqu.Dialect("mysql")

func isMySQLError(err error, codes ...uint16) bool {
	var me *mysql.MySQLError
	if errors.As(err, &me) {
		return slices.Contains(codes, me.Number)
	}
	return false
}

func isDuplicateKey(err error) bool {
	return isMySQLError(err, mysqlDuplicateEntry)
}

// reservationRace maps lost row races to ErrDuplicateReservation so callers treat them as conflicts.
func reservationRace(op string, err error) error {
	if isMySQLError(err, mysqlDuplicateEntry, mysqlDeadlock, mysqlLockWaitTimeout) {
		return fmt.Errorf("%s: %w: %v", op, domain.ErrDuplicateReservation, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
