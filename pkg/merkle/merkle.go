// Package merkle builds the BLAKE3 commitment trees used to bind private
// record sets (suppliers, beneficial owners, sanctions lists,
// jurisdictions) into the roots carried by a manifest. It is grounded on
// the teacher's evidence Merkle tree (core/pkg/merkle/tree.go), generalized
// from path-keyed JSON documents to ordered, table-tagged records, and
// changed in one deliberate way: odd tree levels are handled by
// PROMOTION, never duplication, per the governing specification.
package merkle

import (
	"fmt"
	"sort"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/capengine/cap/pkg/crypto"
)

// TableTag identifies which table a record set belongs to. It is mixed
// into every leaf hash so that a supplier record and a UBO record with
// identical field values never collide.
type TableTag string

const (
	TableSupplier     TableTag = "supplier"
	TableUBO          TableTag = "ubo"
	TableSanctions    TableTag = "sanctions"
	TableJurisdiction TableTag = "jurisdictions"
)

// FieldOrder returns the fixed field order for a table tag. Every listed
// field must be present in the record map; fields absent from this list
// are ignored by serialization.
func FieldOrder(tag TableTag) ([]string, error) {
	switch tag {
	case TableSupplier:
		return []string{"id", "legal_name", "country", "tax_id", "risk_tier"}, nil
	case TableUBO:
		return []string{"id", "full_name", "nationality", "ownership_pct", "pep_flag"}, nil
	case TableSanctions:
		return []string{"id", "list_name", "entity_name", "program"}, nil
	case TableJurisdiction:
		return []string{"id", "country_code", "classification"}, nil
	default:
		return nil, fmt.Errorf("merkle: unknown table tag %q", tag)
	}
}

const (
	leafDomainPrefix = "cap.leaf."
	leafDomainSuffix = ".v1"
	nodeDomainTag    = "cap.node.v1"
	companyDomainTag = "cap.company.v1"
)

// ZeroRoot is the fixed root of an empty record set.
var ZeroRoot = crypto.SHA3256([]byte("cap.merkle.zero.v1"))

// Record is a single row of a table, keyed by field name. Values are
// rendered with fmt.Sprint and therefore should already be in their final
// display form (callers needing fixed-point precision should pre-format
// numeric fields as strings).
type Record map[string]interface{}

// CanonicalBytes renders a record as `name=value` fields joined by `;` in
// the table's fixed field order, with each field's value NFC-normalized
// and whitespace-trimmed, per the §4.A canonical record form.
func CanonicalBytes(tag TableTag, rec Record) ([]byte, error) {
	order, err := FieldOrder(tag)
	if err != nil {
		return nil, err
	}
	parts := make([]string, 0, len(order))
	for _, field := range order {
		val, ok := rec[field]
		if !ok {
			return nil, fmt.Errorf("merkle: record missing field %q for table %q", field, tag)
		}
		s := strings.TrimSpace(fmt.Sprint(val))
		s = norm.NFC.String(s)
		parts = append(parts, field+"="+s)
	}
	return []byte(strings.Join(parts, ";")), nil
}

func leafDomainTag(tag TableTag) []byte {
	return []byte(leafDomainPrefix + string(tag) + leafDomainSuffix)
}

// Leaf computes the leaf digest of a single record: BLAKE3(domain_tag ‖
// record_bytes).
func Leaf(tag TableTag, rec Record) ([32]byte, error) {
	recordBytes, err := CanonicalBytes(tag, rec)
	if err != nil {
		return [32]byte{}, err
	}
	return crypto.BLAKE3Concat(leafDomainTag(tag), recordBytes), nil
}

// Tree is a built Merkle tree: the root plus every level, leaves first,
// for proof construction.
type Tree struct {
	Root   [32]byte
	Levels [][][32]byte // Levels[0] is the leaf level.
}

// Build constructs a Merkle tree over an ordered record set. The caller is
// responsible for sorting records into the producer's canonical order;
// this function never reorders input, so that two producers emitting the
// same byte sequence of leaves always land on the same root.
func Build(tag TableTag, records []Record) (*Tree, error) {
	if len(records) == 0 {
		return &Tree{Root: ZeroRoot}, nil
	}

	leaves := make([][32]byte, len(records))
	for i, rec := range records {
		leaf, err := Leaf(tag, rec)
		if err != nil {
			return nil, fmt.Errorf("merkle: record %d: %w", i, err)
		}
		leaves[i] = leaf
	}

	levels := [][][32]byte{leaves}
	current := leaves
	for len(current) > 1 {
		next := nextLevel(current)
		levels = append(levels, next)
		current = next
	}

	return &Tree{Root: current[0], Levels: levels}, nil
}

// nextLevel combines pairs of hashes into parent nodes. An odd trailing
// hash is PROMOTED unchanged to the next level rather than duplicated and
// re-hashed against itself.
func nextLevel(level [][32]byte) [][32]byte {
	n := len(level)
	next := make([][32]byte, 0, (n+1)/2)
	i := 0
	for ; i+1 < n; i += 2 {
		next = append(next, nodeHash(level[i], level[i+1]))
	}
	if i < n {
		next = append(next, level[i])
	}
	return next
}

func nodeHash(left, right [32]byte) [32]byte {
	return crypto.BLAKE3Concat([]byte(nodeDomainTag), left[:], right[:])
}

// CompanyRoot combines a supplier root and a UBO root into the
// top-level commitment bound into a manifest:
// BLAKE3("cap.company.v1" ‖ supplier_root ‖ ubo_root).
func CompanyRoot(supplierRoot, uboRoot [32]byte) [32]byte {
	return crypto.BLAKE3Concat([]byte(companyDomainTag), supplierRoot[:], uboRoot[:])
}

// SortRecordsByID sorts records by their "id" field, a convenience for
// producers that want a stable, reproducible leaf order without hand
// rolling a sort. Callers with a different canonical order should sort
// themselves before calling Build.
func SortRecordsByID(records []Record) {
	sort.SliceStable(records, func(i, j int) bool {
		return fmt.Sprint(records[i]["id"]) < fmt.Sprint(records[j]["id"])
	})
}
