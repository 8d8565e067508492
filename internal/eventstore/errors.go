package eventstore

import (
	"git.home.luguber.info/inful/ciagent/internal/foundation/errors"
)

// Sentinels for errors.Is; returned errors carry the driver error as cause.
var (
	ErrOpen   = errors.EventStoreError("cannot open build history database").Build()
	ErrSchema = errors.EventStoreError("cannot create build history schema").Build()
	ErrAppend = errors.EventStoreError("cannot record build event").Build()
	ErrQuery  = errors.EventStoreError("cannot read build events").Build()
	ErrEncode = errors.EventStoreError("cannot encode build event").Build()
)

func wrap(sentinel *errors.ClassifiedError, cause error) error {
	return errors.WrapError(cause, sentinel.Category(), sentinel.Message()).Build()
}
