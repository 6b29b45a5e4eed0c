package local

import (
	"log/slog"
	"slices"

	"github.com/roach88/docsync/internal/model"
	"github.com/roach88/docsync/internal/persistence"
)

// DefaultMaxDocumentsToBackfill bounds one backfill pass.
const DefaultMaxDocumentsToBackfill = 50

// indexBackfiller writes index entries for documents the field indexes have
// not seen yet, oldest collection group first.
type indexBackfiller struct {
	indexes indexManager
	remote  remoteDocumentCache
	logger  *slog.Logger
}

// groupOffset is the least advanced offset among indexes.
func groupOffset(indexes []FieldIndex) IndexOffset {
	offset := indexes[0].Offset
	for _, index := range indexes[1:] {
		if offsetLess(index.Offset, offset) {
			offset = index.Offset
		}
	}
	return offset
}

func offsetLess(a, b IndexOffset) bool {
	if c := a.ReadTime.Compare(b.ReadTime); c != 0 {
		return c < 0
	}
	return a.Key.Compare(b.Key) < 0
}

// Backfill indexes up to maxDocuments documents and returns how many it
// processed.
func (b indexBackfiller) Backfill(txn persistence.WriteTxn, maxDocuments int) (int, error) {
	all, err := b.indexes.FieldIndexes(txn, "")
	if err != nil {
		return 0, err
	}
	groups := make(map[string][]FieldIndex)
	for _, index := range all {
		groups[index.CollectionGroup] = append(groups[index.CollectionGroup], index)
	}
	names := make([]string, 0, len(groups))
	for name := range groups {
		names = append(names, name)
	}
	slices.SortFunc(names, func(a, c string) int {
		oa, oc := groupOffset(groups[a]), groupOffset(groups[c])
		switch {
		case offsetLess(oa, oc):
			return -1
		case offsetLess(oc, oa):
			return 1
		}
		return model.CompareUTF16(a, c)
	})

	processed := 0
	for _, name := range names {
		if processed >= maxDocuments {
			break
		}
		n, err := b.backfillGroup(txn, name, groups[name], maxDocuments-processed)
		if err != nil {
			return processed, err
		}
		processed += n
	}
	return processed, nil
}

func (b indexBackfiller) backfillGroup(txn persistence.WriteTxn, group string, indexes []FieldIndex, limit int) (int, error) {
	offset := groupOffset(indexes)
	parents, err := b.indexes.CollectionParents(txn, group)
	if err != nil {
		return 0, err
	}
	var docs []*model.MutableDocument
	for _, parent := range parents {
		next, err := b.remote.GetNextDocuments(txn, parent.Child(group), offset, limit)
		if err != nil {
			return 0, err
		}
		docs = append(docs, next...)
	}
	slices.SortFunc(docs, func(a, c *model.MutableDocument) int {
		if r := a.ReadTime().Compare(c.ReadTime()); r != 0 {
			return r
		}
		return a.Key().Compare(c.Key())
	})
	if len(docs) > limit {
		docs = docs[:limit]
	}
	if len(docs) == 0 {
		return 0, nil
	}

	for _, doc := range docs {
		if err := b.indexes.UpdateIndexEntries(txn, indexes, doc); err != nil {
			return 0, err
		}
	}
	next := offsetForDocument(docs[len(docs)-1], BatchIDUnknown)
	for _, index := range indexes {
		if err := b.indexes.UpdateIndexOffset(txn, index, next); err != nil {
			return 0, err
		}
	}
	b.logger.Debug("backfilled indexes",
		"collection_group", group,
		"documents", len(docs),
		"read_time", next.ReadTime.String())
	return len(docs), nil
}
