/*Package acl maintains the broker's topic permission rules.

Per-user dynamic blocks and a static base policy are merged into one
document in a fixed order: dynamic blocks first (sorted by filename),
then the base "user" rules, then the base "pattern" rules. The broker
evaluates rules first-match-wins per topic, so the ordering is a
correctness requirement, not a style choice: dynamically injected deny
rules must precede the broader static grants, and specific user rules
must precede generic pattern rules.
*/
package acl
