package aplic

import "encoding/gob"

func init() {
	gob.Register(&aplicSnapshot{})
}
