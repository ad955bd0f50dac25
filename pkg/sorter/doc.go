/*
Package sorter implements the weighted DRF ordering AllocatorCore runs
over both frameworks (one Sorter per role) and roles themselves (one
role-wide Sorter plus a quota-only Sorter). Dominant share is the
largest allocated/total ratio across non-excluded resource names;
Sort() returns active clients ascending by share/weight so the least-
served client is offered first, with insertion order breaking ties.

Allocated/Unallocated/Update panic on bookkeeping invariant violations
(removing resources never allocated, referencing an unknown client or
agent) rather than returning an error — AllocatorCore treats these as
fatal per the source's CHECK-fails-the-process contract.
*/
package sorter
