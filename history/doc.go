// Package history keeps a local ledger of files received by filedrop.
//
// The ledger is a single bolt database with one bucket. Each completed
// transfer is stored as a JSON Record keyed by completion time:
//
//	l, err := history.Open(filepath.Join(home, ".filedrop", "history.db"))
//	if err != nil {
//		return err
//	}
//	defer l.Close()
//
//	records, err := l.List(20)
//
// bolt holds an exclusive file lock while the database is open, so only one
// receiver process can use a given ledger at a time. Open gives up after one
// second if the lock is held elsewhere.
package history
