package transformer

import "github.com/maxpert/binlogtap/publisher"

var _ publisher.Transformer = (*DebeziumTransformer)(nil)
