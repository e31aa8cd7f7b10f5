package remote

import (
	"bytes"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/bsontype"
)

// Documents are paged by their raw _id. Canonical documents use string IDs,
// but legacy ones may carry ObjectIDs or numbers, so paging follows the
// server's cross-type sort order instead of assuming strings.

// idTypeOrder lists the $type aliases of each sort bracket, lowest first
var idTypeOrder = [][]string{
	{"minKey"},
	{"null"},
	{"double", "int", "long", "decimal"},
	{"symbol", "string"},
	{"object"},
	{"array"},
	{"binData"},
	{"objectId"},
	{"bool"},
	{"date"},
	{"timestamp"},
	{"regex"},
	{"maxKey"},
}

var idTypeRank = map[bsontype.Type]int{
	bsontype.MinKey:           0,
	bsontype.Null:             1,
	bsontype.Undefined:        1,
	bsontype.Double:           2,
	bsontype.Int32:            2,
	bsontype.Int64:            2,
	bsontype.Decimal128:       2,
	bsontype.Symbol:           3,
	bsontype.String:           3,
	bsontype.EmbeddedDocument: 4,
	bsontype.Array:            5,
	bsontype.Binary:           6,
	bsontype.ObjectID:         7,
	bsontype.Boolean:          8,
	bsontype.DateTime:         9,
	bsontype.Timestamp:        10,
	bsontype.Regex:            11,
	bsontype.MaxKey:           12,
}

func rankOf(t bsontype.Type) int {
	if r, ok := idTypeRank[t]; ok {
		return r
	}
	return len(idTypeOrder)
}

// stringID wraps a string as a raw _id value
func stringID(s string) bson.RawValue {
	doc, _ := bson.Marshal(bson.D{{Key: "_id", Value: s}})
	return bson.Raw(doc).Lookup("_id")
}

// idKey is a map key that keeps IDs of different types apart
func idKey(id bson.RawValue) string {
	return string([]byte{byte(id.Type)}) + string(id.Value)
}

// compareIDs orders two _id values the way the server sorts them
func compareIDs(a, b bson.RawValue) int {
	ra, rb := rankOf(a.Type), rankOf(b.Type)
	if ra != rb {
		return ra - rb
	}
	switch ra {
	case 2:
		fa, fb := number(a), number(b)
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		}
		return 0
	case 3:
		return strings.Compare(text(a), text(b))
	case 7:
		oa, ob := a.ObjectID(), b.ObjectID()
		return bytes.Compare(oa[:], ob[:])
	case 9:
		da, db := a.DateTime(), b.DateTime()
		switch {
		case da < db:
			return -1
		case da > db:
			return 1
		}
		return 0
	}
	return bytes.Compare(a.Value, b.Value)
}

func number(v bson.RawValue) float64 {
	switch v.Type {
	case bsontype.Int32:
		return float64(v.Int32())
	case bsontype.Int64:
		return float64(v.Int64())
	case bsontype.Double:
		return v.Double()
	}
	return 0
}

func text(v bson.RawValue) string {
	if s, ok := v.StringValueOK(); ok {
		return s
	}
	s, _ := v.SymbolOK()
	return s
}

// afterIDQuery selects documents whose _id sorts after the given one. A range
// operator only compares within one type bracket, so the brackets sorting
// later are matched by type.
func afterIDQuery(after bson.RawValue) bson.M {
	gt := bson.M{"_id": bson.M{"$gt": after}}
	var later []string
	for _, aliases := range idTypeOrder[min(rankOf(after.Type)+1, len(idTypeOrder)):] {
		later = append(later, aliases...)
	}
	if len(later) == 0 {
		return gt
	}
	return bson.M{"$or": bson.A{gt, bson.M{"_id": bson.M{"$type": later}}}}
}
