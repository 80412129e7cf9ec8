package analyzer

import (
	"sort"
	"strings"

	"github.com/vitebski/mysql-ddl-guard/pkg/models"
	"github.com/yourbasic/graph"
)

// ObjectGraph links a table's columns and indexes. Every key part adds an
// edge in both directions weighted by its position in the index, so the
// out-degree of an index vertex is its key part count.
type ObjectGraph struct {
	Graph    *graph.Mutable
	vertices map[string]int
	names    []string
	isIndex  []bool
}

func columnKey(name string) string { return "c:" + strings.ToLower(name) }
func indexKey(name string) string  { return "i:" + strings.ToLower(name) }

// BuildObjectGraph builds the column/index dependency graph of a snapshot
func BuildObjectGraph(snapshot *models.TableSnapshot) *ObjectGraph {
	og := &ObjectGraph{vertices: make(map[string]int)}
	add := func(key, name string, index bool) int {
		if id, ok := og.vertices[key]; ok {
			return id
		}
		id := len(og.names)
		og.vertices[key] = id
		og.names = append(og.names, name)
		og.isIndex = append(og.isIndex, index)
		return id
	}

	for _, name := range snapshot.ColumnOrder {
		add(columnKey(name), name, false)
	}
	for _, name := range snapshot.IndexOrder {
		add(indexKey(name), name, true)
	}
	// key parts can name columns the snapshot lacks, e.g. after a failed read
	for _, name := range snapshot.IndexOrder {
		for _, part := range snapshot.Index(name).Columns {
			add(columnKey(part.Name), part.Name, false)
		}
	}

	og.Graph = graph.New(len(og.names))
	for _, name := range snapshot.IndexOrder {
		index := og.vertices[indexKey(name)]
		for seq, part := range snapshot.Index(name).Columns {
			column := og.vertices[columnKey(part.Name)]
			og.Graph.AddCost(index, column, int64(seq+1))
			og.Graph.AddCost(column, index, int64(seq+1))
		}
	}
	return og
}

// IndexesUsing returns the names of indexes with column as a key part, sorted
func (og *ObjectGraph) IndexesUsing(column string) []string {
	id, ok := og.vertices[columnKey(column)]
	if !ok {
		return nil
	}
	var result []string
	og.Graph.Visit(id, func(w int, _ int64) bool {
		if og.isIndex[w] {
			result = append(result, og.names[w])
		}
		return false
	})
	sort.Strings(result)
	return result
}

// SoleKeyIndexes returns the indexes whose only key part is column. MySQL
// drops these entirely together with the column.
func (og *ObjectGraph) SoleKeyIndexes(column string) []string {
	var result []string
	for _, name := range og.IndexesUsing(column) {
		if og.Graph.Degree(og.vertices[indexKey(name)]) == 1 {
			result = append(result, name)
		}
	}
	return result
}
