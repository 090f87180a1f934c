package id

import (
	"sync"

	"github.com/bwmarrin/snowflake"
)

// DefaultNode is used when New is called before Init.
const DefaultNode int64 = 1

var (
	node    *snowflake.Node
	once    sync.Once
	initErr error
)

// Init initializes the Snowflake node with the given node ID. Only the
// first call has any effect.
func Init(nodeID int64) error {
	once.Do(func() {
		node, initErr = snowflake.NewNode(nodeID)
	})
	return initErr
}

// New generates a time-ordered unique int64 ID.
func New() int64 {
	return generate().Int64()
}

// NewString returns a new ID in its decimal form, used for job and
// execution ids.
func NewString() string {
	return generate().String()
}

func generate() snowflake.ID {
	if err := Init(DefaultNode); err != nil {
		panic("snowflake node: " + err.Error())
	}
	return node.Generate()
}
