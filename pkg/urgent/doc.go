/*
Package urgent implements the in-memory store for urgent tasks.

Urgent tasks never touch disk: the submitter blocks on the task's status
handle while agents poll, pick up, and resolve the entry, and the whole
round trip stays bounded by a TTL. Loss on restart is accepted.

The store is a map plus an insertion-order index under a single mutex.
Holding the one lock across each read-modify-write of an entry's status is
what serializes concurrent pick-ups: Assign is a compare-and-swap out of
Pending, so exactly one of N racing agents wins and the rest see false.
Discovery (FindWithCapabilities) walks the insertion order, so the oldest
matching task is always offered first, and the order index survives
deletions.

Status notification is per entry to keep waiters off the map lock. A
subscriber channel has capacity one and is written drain-then-send; waiters
subscribe before their first wait, so no transition after subscription can
be missed and a slow waiter simply observes the latest value.

The sweeper runs every SweepInterval. It fails Pending entries past their
TTL and reclaims terminal entries whose submitter never returned; entries
in any other state are left alone.
*/
package urgent
