package memstore

import "errors"

var (
	errAlreadyExists = errors.New("document already exists")
	errNoSuchDoc      = errors.New("no such document")
)
