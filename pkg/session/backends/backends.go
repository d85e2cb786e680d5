// Package backends wires the built-in session stores into a registry.
// It exists so importing one backend never drags in the drivers of the
// others unless you use this convenience package.
package backends

import (
	"github.com/convokit-dev/convokit/pkg/session"
	"github.com/convokit-dev/convokit/pkg/session/file"
	"github.com/convokit-dev/convokit/pkg/session/firestore"
	"github.com/convokit-dev/convokit/pkg/session/memory"
	"github.com/convokit-dev/convokit/pkg/session/mongo"
	"github.com/convokit-dev/convokit/pkg/session/redis"
)

// NewRegistry returns a registry with every built-in backend registered:
//
//	memory://                                  in-process, for tests and dev
//	file:///var/lib/convokit/sessions          JSONL files on disk
//	redis://localhost:6379/0                   Redis key-value with TTL
//	mongodb://localhost:27017/convokit         MongoDB documents
//	firestore://my-project/sessions            Cloud Firestore documents
//
// Callers can override any scheme afterwards; registration is
// last-write-wins.
func NewRegistry() *session.Registry {
	r := session.NewRegistry()
	r.Register("memory", memory.Factory)
	r.Register("file", file.Factory)
	r.Register("redis", redis.Factory)
	r.Register("rediss", redis.Factory)
	r.Register("mongodb", mongo.Factory)
	r.Register("mongodb+srv", mongo.Factory)
	r.Register("firestore", firestore.Factory)
	return r
}
