package repomanager

import (
	"context"
	"database/sql"

	"github.com/dmitrijs2005/hwidauth/internal/dbx"
	"github.com/dmitrijs2005/hwidauth/internal/server/repositories/audit"
	"github.com/dmitrijs2005/hwidauth/internal/server/repositories/licensekeys"
	"github.com/dmitrijs2005/hwidauth/internal/server/repositories/users"
)

// RepositoryManager vends repositories bound to a DB handle or transaction.
type RepositoryManager interface {
	RunMigrations(context.Context, *sql.DB) error
	Users(db dbx.DBTX) users.Repository
	LicenseKeys(db dbx.DBTX) licensekeys.Repository
	Audit(db dbx.DBTX) audit.Repository
}
