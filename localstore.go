package passd

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"pkt.systems/passd/internal/kv"
	kvmemory "pkt.systems/passd/internal/kv/memory"
	kvredis "pkt.systems/passd/internal/kv/redis"
	kvsqlite "pkt.systems/passd/internal/kv/sqlite"
)

// openLocalStore selects the local KV backend by URL scheme.
func openLocalStore(spec string) (kv.Store, error) {
	u, err := url.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("parse local store URL: %w", err)
	}
	switch u.Scheme {
	case "memory", "mem", "":
		return kvmemory.New(), nil
	case "sqlite":
		path := u.Path
		if u.Host != "" {
			// sqlite://relative/path parses the first segment as host.
			path = u.Host + path
		}
		if strings.TrimSpace(path) == "" {
			return nil, fmt.Errorf("local store: sqlite path required")
		}
		return kvsqlite.New(path)
	case "redis":
		opts := kvredis.Options{Addr: u.Host}
		if u.User != nil {
			if pw, ok := u.User.Password(); ok {
				opts.Password = pw
			}
		}
		if db := strings.Trim(u.Path, "/"); db != "" {
			n, err := strconv.Atoi(db)
			if err != nil {
				return nil, fmt.Errorf("local store: redis db %q: %w", db, err)
			}
			opts.DB = n
		}
		return kvredis.New(opts)
	default:
		return nil, fmt.Errorf("local store scheme %q not supported", u.Scheme)
	}
}
