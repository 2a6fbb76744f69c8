package sqlstore

// dialect of a SQL database.
type dialect struct {
	name   string
	schema []string
	// notify is true if the database delivers publications with NOTIFY.
	notify bool
}

var sqliteDialect = dialect{
	name: "sqlite",
	schema: []string{
		`CREATE TABLE IF NOT EXISTS hwm_values (
			key   TEXT PRIMARY KEY NOT NULL,
			value BLOB NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS hwm_hashes (
			key   TEXT NOT NULL,
			field TEXT NOT NULL,
			value BLOB NOT NULL,
			PRIMARY KEY (key, field)
		);`,
		`CREATE TABLE IF NOT EXISTS hwm_zsets (
			key    TEXT NOT NULL,
			member TEXT NOT NULL,
			score  REAL NOT NULL,
			PRIMARY KEY (key, member)
		);`,
		`CREATE INDEX IF NOT EXISTS hwm_zsets_by_score ON hwm_zsets (key, score, member);`,
		`CREATE TABLE IF NOT EXISTS hwm_versions (
			key     TEXT PRIMARY KEY NOT NULL,
			version INTEGER NOT NULL
		);`,
	},
}

// Keys and members use the "C" collation, which orders on bytes
// as do the other backends.
var postgresDialect = dialect{
	name: "postgres",
	schema: []string{
		`CREATE TABLE IF NOT EXISTS hwm_values (
			key   TEXT COLLATE "C" PRIMARY KEY NOT NULL,
			value BYTEA NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS hwm_hashes (
			key   TEXT COLLATE "C" NOT NULL,
			field TEXT COLLATE "C" NOT NULL,
			value BYTEA NOT NULL,
			PRIMARY KEY (key, field)
		);`,
		`CREATE TABLE IF NOT EXISTS hwm_zsets (
			key    TEXT COLLATE "C" NOT NULL,
			member TEXT COLLATE "C" NOT NULL,
			score  DOUBLE PRECISION NOT NULL,
			PRIMARY KEY (key, member)
		);`,
		`CREATE INDEX IF NOT EXISTS hwm_zsets_by_score ON hwm_zsets (key, score, member);`,
		`CREATE TABLE IF NOT EXISTS hwm_versions (
			key     TEXT COLLATE "C" PRIMARY KEY NOT NULL,
			version BIGINT NOT NULL
		);`,
	},
	notify: true,
}
