package host

import (
	"github.com/sambeau/sage/pkg/kv"
	"github.com/sambeau/sage/pkg/script"
)

// ValueFromReply converts a store reply to a script value. Integers become
// numbers, status and bulk strings become strings and arrays are converted
// element by element. Nil and error replies become nil.
func ValueFromReply(r kv.Reply) script.Value {
	switch r.Kind {
	case kv.ReplyInteger:
		return script.Int(r.Int)
	case kv.ReplyStatus, kv.ReplyBulk:
		return script.String(r.Str)
	case kv.ReplyArray:
		elems := make([]script.Value, len(r.Elems))
		for i, e := range r.Elems {
			elems[i] = ValueFromReply(e)
		}
		return script.Array(elems...)
	}
	return script.Nil()
}
