package vectorstore

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/EulerSearch/embedding-studio-sub001/internal/apperrors"
	"github.com/EulerSearch/embedding-studio-sub001/internal/types"
)

// evaluatePredicate walks a FilterNode in Go against an already-loaded
// Object, used when a filter narrows an ANN candidate pool that's already in
// memory (§4.D find_similar's payload_filter argument). It mirrors the
// teacher's dual filter-vs-predicate evaluation split
// (internal/query/evaluator.go), minus the filter-only SQL fast path, which
// find_by_payload_filter (below) implements separately by pushing the
// predicate down into SQL instead.
func evaluatePredicate(node types.FilterNode, obj types.Object) (bool, error) {
	switch n := node.(type) {
	case *types.BoolNode:
		return evaluateBool(n, obj)
	case *types.MatchNode:
		return matchTokens(fieldValue(obj, n.Field, n.ForceNotPayload), n.Value, false), nil
	case *types.MatchPhraseNode:
		return matchTokens(fieldValue(obj, n.Field, n.ForceNotPayload), n.Value, true), nil
	case *types.TermNode:
		return valuesEqual(fieldValue(obj, n.Field, n.ForceNotPayload), n.Value), nil
	case *types.TermsNode:
		v := fieldValue(obj, n.Field, n.ForceNotPayload)
		for _, want := range n.Values {
			if valuesEqual(v, want) {
				return true, nil
			}
		}
		return false, nil
	case *types.AllNode:
		return containsAll(fieldValue(obj, n.Field, n.ForceNotPayload), n.Values), nil
	case *types.AnyNode:
		return containsAny(fieldValue(obj, n.Field, n.ForceNotPayload), n.Values), nil
	case *types.ExistsNode:
		return fieldValue(obj, n.Field, n.ForceNotPayload) != nil, nil
	case *types.WildcardNode:
		s, ok := fieldValue(obj, n.Field, n.ForceNotPayload).(string)
		if !ok {
			return false, nil
		}
		matched, err := path.Match(n.Pattern, s)
		if err != nil {
			return false, apperrors.Validation("vectorstore.filter: bad wildcard pattern %q: %v", n.Pattern, err)
		}
		return matched, nil
	case *types.RangeNode:
		return evaluateRange(n, fieldValue(obj, n.Field, n.ForceNotPayload)), nil
	default:
		return false, apperrors.Validation("vectorstore.filter: unknown node type %T", node)
	}
}

func evaluateBool(n *types.BoolNode, obj types.Object) (bool, error) {
	for _, c := range n.Must {
		ok, err := evaluatePredicate(c, obj)
		if err != nil || !ok {
			return false, err
		}
	}
	for _, c := range n.Filter {
		ok, err := evaluatePredicate(c, obj)
		if err != nil || !ok {
			return false, err
		}
	}
	for _, c := range n.MustNot {
		ok, err := evaluatePredicate(c, obj)
		if err != nil {
			return false, err
		}
		if ok {
			return false, nil
		}
	}
	if len(n.Should) > 0 {
		anyMatch := false
		for _, c := range n.Should {
			ok, err := evaluatePredicate(c, obj)
			if err != nil {
				return false, err
			}
			if ok {
				anyMatch = true
			}
		}
		if len(n.Must) == 0 && len(n.Filter) == 0 {
			return anyMatch, nil
		}
		// Should is advisory once Must/Filter are present (§4.D comment on
		// BoolNode), so it doesn't veto a match that already satisfied them.
	}
	return true, nil
}

// fieldValue reads Field from the object: a system field (ForceNotPayload)
// comes from ObjectID/OriginalID/UserID/SessionID; otherwise it's looked up
// in Payload.
func fieldValue(obj types.Object, field string, forceNotPayload bool) interface{} {
	if forceNotPayload {
		switch field {
		case "object_id":
			return obj.ObjectID
		case "original_id":
			return obj.OriginalID
		case "user_id":
			return obj.UserID
		case "session_id":
			return obj.SessionID
		default:
			return nil
		}
	}
	if obj.Payload == nil {
		return nil
	}
	return obj.Payload[field]
}

func matchTokens(value interface{}, query string, phrase bool) bool {
	s, ok := value.(string)
	if !ok {
		return false
	}
	s, query = strings.ToLower(s), strings.ToLower(query)
	if phrase {
		return strings.Contains(s, query)
	}
	for _, tok := range strings.Fields(query) {
		if !strings.Contains(s, tok) {
			return false
		}
	}
	return true
}

func valuesEqual(a, b interface{}) bool {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return af == bf
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func containsAll(value interface{}, want []interface{}) bool {
	list, ok := value.([]interface{})
	if !ok {
		return false
	}
	for _, w := range want {
		found := false
		for _, v := range list {
			if valuesEqual(v, w) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func containsAny(value interface{}, want []interface{}) bool {
	list, ok := value.([]interface{})
	if !ok {
		return false
	}
	for _, w := range want {
		for _, v := range list {
			if valuesEqual(v, w) {
				return true
			}
		}
	}
	return false
}

func evaluateRange(n *types.RangeNode, value interface{}) bool {
	f, ok := toFloat(value)
	if !ok {
		return false
	}
	if n.Gt != nil && !(f > *n.Gt) {
		return false
	}
	if n.Gte != nil && !(f >= *n.Gte) {
		return false
	}
	if n.Lt != nil && !(f < *n.Lt) {
		return false
	}
	if n.Lte != nil && !(f <= *n.Lte) {
		return false
	}
	return true
}

// FindByPayloadFilter runs a vector-free filter query (§4.D
// find_by_payload_filter): the whole object table is scanned and filtered
// in Go. This trades an index-pushdown opportunity (translating the AST to
// a SQL WHERE over JSON path expressions) for simplicity and exact parity
// with the in-memory evaluator used by find_similar; see DESIGN.md for the
// tradeoff.
func (s *Store) FindByPayloadFilter(ctx context.Context, collectionID string, filter types.FilterNode, limit, offset int, sortBy *types.SortBy) ([]types.SearchResult, error) {
	objTable, _ := tableNames(collectionID)
	q := "SELECT object_id, payload, storage_meta, original_id, user_id, session_id FROM " + quoteIdent(objTable)
	objects, err := s.queryObjects(ctx, collectionID, q)
	if err != nil {
		return nil, err
	}

	matched := make([]types.Object, 0, len(objects))
	for _, obj := range objects {
		ok, err := evaluatePredicate(filter, obj)
		if err != nil {
			return nil, err
		}
		if ok {
			matched = append(matched, obj)
		}
	}

	if sortBy != nil {
		sortObjectsByPayload(matched, *sortBy)
	}

	start := offset
	if start > len(matched) {
		start = len(matched)
	}
	end := start + limit
	if limit <= 0 || end > len(matched) {
		end = len(matched)
	}

	out := make([]types.SearchResult, 0, end-start)
	for _, obj := range matched[start:end] {
		out = append(out, types.SearchResult{ObjectID: obj.ObjectID, Payload: obj.Payload})
	}
	return out, nil
}

// CountByPayloadFilter returns the total match count, ignoring pagination
// (§4.D count_by_payload_filter).
func (s *Store) CountByPayloadFilter(ctx context.Context, collectionID string, filter types.FilterNode) (int, error) {
	objTable, _ := tableNames(collectionID)
	q := "SELECT object_id, payload, storage_meta, original_id, user_id, session_id FROM " + quoteIdent(objTable)
	objects, err := s.queryObjects(ctx, collectionID, q)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, obj := range objects {
		ok, err := evaluatePredicate(filter, obj)
		if err != nil {
			return 0, err
		}
		if ok {
			count++
		}
	}
	return count, nil
}

func sortObjectsByPayload(objs []types.Object, sortBy types.SortBy) {
	less := func(i, j int) bool {
		cmp := compareValues(payloadValue(objs[i], sortBy.Field), payloadValue(objs[j], sortBy.Field))
		if sortBy.Ascending {
			return cmp < 0
		}
		return cmp > 0
	}
	insertionSortObjects(objs, less)
}

// insertionSortObjects avoids importing sort.Interface boilerplate for a
// small, stable in-place sort; collections are expected to be modest in size
// for the brute-force reference path.
func insertionSortObjects(objs []types.Object, less func(i, j int) bool) {
	for i := 1; i < len(objs); i++ {
		for j := i; j > 0 && less(j, j-1); j-- {
			objs[j], objs[j-1] = objs[j-1], objs[j]
		}
	}
}
