package analyzer

import (
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/vitebski/mysql-ddl-guard/pkg/models"
	"github.com/zeebo/blake3"
)

// Fingerprint hashes a canonical rendering of the snapshot's structure. The
// row estimate is left out since it moves without any schema change.
func Fingerprint(snapshot *models.TableSnapshot) string {
	hasher := blake3.New()
	fmt.Fprintf(hasher, "table %s exists=%t\n", strings.ToLower(snapshot.Name), snapshot.Exists)

	for _, name := range snapshot.ColumnOrder {
		fmt.Fprintf(hasher, "column %s\n", snapshot.Column(name).Render(""))
	}

	names := make([]string, 0, len(snapshot.Indices))
	for key := range snapshot.Indices {
		names = append(names, key)
	}
	sort.Strings(names)
	for _, key := range names {
		fmt.Fprintf(hasher, "index %s\n", snapshot.Indices[key].Render())
	}
	return hex.EncodeToString(hasher.Sum(nil))
}

// Fingerprints returns the fingerprint of every captured table keyed by
// lowercased table name
func (f *Frozen) Fingerprints() map[string]string {
	result := make(map[string]string, len(f.tables))
	for key, snapshot := range f.tables {
		result[key] = Fingerprint(snapshot)
	}
	return result
}

// Drifted lists the tables whose fingerprint differs between two captures
func Drifted(before, after map[string]string) []string {
	var changed []string
	for table, hash := range before {
		if after[table] != hash {
			changed = append(changed, table)
		}
	}
	for table := range after {
		if _, ok := before[table]; !ok {
			changed = append(changed, table)
		}
	}
	sort.Strings(changed)
	return changed
}
