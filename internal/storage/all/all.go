// Package all registers every storage backend with the storage factory.
package all

import (
	_ "tableauetl/internal/storage/mssql"
	_ "tableauetl/internal/storage/postgres"
	_ "tableauetl/internal/storage/sqlite"
)
