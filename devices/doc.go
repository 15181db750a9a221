/*Package devices is the registry of provisioned devices and per-user
group keys, backed by postgres. It is a transactional key-value store
keyed by (uid, device id).
*/
package devices
