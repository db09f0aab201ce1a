package storage

// KV is the minimal persistent key-value contract the gateway state is
// built on. Values are JSON-serialized strings owned by the caller.
type KV interface {
	Get(key string) (value string, found bool, err error)
	Set(key, value string) error
	Delete(key string) error
}
