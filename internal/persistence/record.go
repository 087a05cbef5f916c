package persistence

import (
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// NodeRef identifies a routing endpoint: either one specific node or any
// node (anonymous). The zero value is the anonymous endpoint, which rules
// out the inconsistent "anonymous with a meaningful id" state the raw
// storage encoding would otherwise allow.
type NodeRef struct {
	id int64
}

// AnonymousNode returns the "any node" routing endpoint.
func AnonymousNode() NodeRef {
	return NodeRef{}
}

// SpecificNode returns a routing endpoint naming one node. Node ids are
// random nonzero int64s; zero collapses to the anonymous endpoint.
func SpecificNode(id int64) NodeRef {
	return NodeRef{id: id}
}

// IsAnonymous reports whether the endpoint is "any node".
func (n NodeRef) IsAnonymous() bool {
	return n.id == 0
}

// ID returns the node id, or 0 for the anonymous endpoint.
func (n NodeRef) ID() int64 {
	return n.id
}

func (n NodeRef) String() string {
	if n.IsAnonymous() {
		return "anonymous"
	}
	return fmt.Sprintf("node:%d", n.id)
}

// dbEncode returns the (anonymous, node_id) column pair. Anonymous encodes
// as (1, 0), matching the reference schema's only legal anonymous state.
func (n NodeRef) dbEncode() (anonymous int, nodeID int64) {
	if n.IsAnonymous() {
		return 1, 0
	}
	return 0, n.id
}

func nodeRefFromDB(anonymous int, nodeID int64) NodeRef {
	if anonymous != 0 {
		return AnonymousNode()
	}
	return SpecificNode(nodeID)
}

// Record is a task record in either partition (instruction or result).
type Record struct {
	ID          string
	GroupID     string
	RunID       int64
	Producer    NodeRef
	Consumer    NodeRef
	CreatedAt   time.Time
	DeliveredAt *time.Time // nil until claimed
	PushedAt    time.Time  // assigned by the store on insert
	TTL         time.Duration
	Ancestry    []string
	TaskType    string
	RecordSet   []byte
}

// Delivered reports whether the record has been handed to its destination.
func (r Record) Delivered() bool {
	return r.DeliveredAt != nil
}

// ExpiresAt returns the instant the record stops being visible.
func (r Record) ExpiresAt() time.Time {
	return r.PushedAt.Add(r.TTL)
}

// encodeAncestry joins ancestor ids for storage. Ids are UUIDs, so a bare
// comma is an unambiguous separator.
func encodeAncestry(ids []string) string {
	return strings.Join(ids, ",")
}

func decodeAncestry(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

// encodeDeliveredAt maps nil to the empty string, the "pending" marker in
// the delivered_at column.
func encodeDeliveredAt(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func decodeDeliveredAt(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return nil, fmt.Errorf("parse delivered_at %q: %w", s, err)
	}
	return &t, nil
}

const recordColumns = `id, group_id, run_id, producer_anonymous, producer_node_id,
	consumer_anonymous, consumer_node_id, created_at, delivered_at, pushed_at,
	ttl, ancestry, task_type, recordset`

// scanRecord reads one task row. The scan function comes from either a
// *sql.Row or *sql.Rows so both single and batched reads share it.
func scanRecord(scan func(dest ...any) error, rec *Record) error {
	var (
		producerAnon, consumerAnon int
		producerID, consumerID     int64
		createdAt, pushedAt, ttl   float64
		deliveredAt, ancestry      string
	)
	if err := scan(
		&rec.ID,
		&rec.GroupID,
		&rec.RunID,
		&producerAnon,
		&producerID,
		&consumerAnon,
		&consumerID,
		&createdAt,
		&deliveredAt,
		&pushedAt,
		&ttl,
		&ancestry,
		&rec.TaskType,
		&rec.RecordSet,
	); err != nil {
		return err
	}
	rec.Producer = nodeRefFromDB(producerAnon, producerID)
	rec.Consumer = nodeRefFromDB(consumerAnon, consumerID)
	rec.CreatedAt = timeFromUnixSeconds(createdAt)
	rec.PushedAt = timeFromUnixSeconds(pushedAt)
	rec.TTL = time.Duration(ttl * float64(time.Second))
	rec.Ancestry = decodeAncestry(ancestry)
	delivered, err := decodeDeliveredAt(deliveredAt)
	if err != nil {
		return err
	}
	rec.DeliveredAt = delivered
	return nil
}

func collectRecords(rows *sql.Rows) ([]Record, error) {
	defer rows.Close()
	var out []Record
	for rows.Next() {
		var rec Record
		if err := scanRecord(rows.Scan, &rec); err != nil {
			return nil, fmt.Errorf("scan task record: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("task record rows: %w", err)
	}
	return out, nil
}
