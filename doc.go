/*
Package nosql implements an embedded document database that keeps all
documents in a single append-oriented log file.

We implement:

1. Documents, open-ended maps of field names to values, stored as msgpack
records in the log and identified by a log-assigned positive integer.

2. Views, persisted filters with an optional sort key, whose index of
matching documents is maintained incrementally on every write.

3. Queries, built lazily (scope, conditions, sort, skip, take) and run by
exactly one terminal operation: find, one, top, count, scalar, insert,
update, modify or remove.

4. Meta, a small persistent key-value table for database-level settings.

5. Backup, restore and drop of the whole database.

# Technical Details

**Log.**
See package journal for the file format. Records are appended and never
moved; removing a document flips the status byte of its record to a
tombstone. Updating a document appends the new version and then tombstones
the old one, so the document keeps its identifier. Compact rewrites the log
without tombstones.

**Meta store.**
Meta entries and view definitions live in a Bolt file next to the log,
named by appending ".meta" to the log path.

**Views.**
A view keeps the ids and log offsets of matching documents ordered by sort
key and then by log offset. This makes incremental maintenance produce
exactly the same order as a full rebuild (Refresh).

**Concurrency.**
Queries share the database lock; writes, backup, restore, compaction and
view definition hold it exclusively. Change listeners run after the write
lock has been released, in commit order. Writes made by listeners are queued
and delivered once the current change has reached every listener.

**Backup archive.**
A gzip-compressed tar with four entries: a msgpack manifest (format, id,
record count, log checksum), a compacted copy of the log, the meta entries,
and the view definitions. Restore verifies all of it before replacing
anything.
*/
package nosql
