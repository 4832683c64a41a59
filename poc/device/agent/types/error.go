package types

import (
	"fmt"
	"sort"
	"strings"
)

type Component string

const (
	ComponentRotation  Component = "rotation"
	ComponentKeyring   Component = "keyring"
	ComponentIngestor  Component = "ingestor"
	ComponentDecryptor Component = "decryptor"
	ComponentDiscovery Component = "discovery"
	ComponentPublisher Component = "publisher"
	ComponentConfig    Component = "config"
)

type Operation string

const (
	OperationReadingConfig  Operation = "reading-config"
	OperationIssuingCert    Operation = "issuing-certificate"
	OperationVerifyingCert  Operation = "verifying-certificate"
	OperationInstallingKeys Operation = "installing-keys"
	OperationLoadingKey     Operation = "loading-key"
	OperationEnqueueing     Operation = "enqueueing"
	OperationDecoding       Operation = "decoding"
	OperationDecrypting     Operation = "decrypting"
	OperationParsingReading Operation = "parsing-reading"
	OperationLookingUpKey   Operation = "looking-up-key"
	OperationFetchingKey    Operation = "fetching-key"
	OperationPublishing     Operation = "publishing"
)

// ComponentError provides structured error handling
type ComponentError struct {
	Component Component
	Operation Operation
	Err       error
	Retryable bool
	Context   map[string]string
}

func (e *ComponentError) Error() string {
	if len(e.Context) == 0 {
		return fmt.Sprintf("[%s:%s] %v", e.Component, e.Operation, e.Err)
	}

	keys := make([]string, 0, len(e.Context))
	for k := range e.Context {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+e.Context[k])
	}
	return fmt.Sprintf("[%s:%s] %v (%s)", e.Component, e.Operation, e.Err, strings.Join(pairs, " "))
}

func (e *ComponentError) Unwrap() error {
	return e.Err
}

func NewComponentError(component Component, operation Operation, err error, retryable bool) *ComponentError {
	return &ComponentError{
		Component: component,
		Operation: operation,
		Err:       err,
		Retryable: retryable,
	}
}

// WithContext returns a copy of e carrying an additional key/value pair.
func (e *ComponentError) WithContext(key, value string) *ComponentError {
	c := *e
	c.Context = make(map[string]string, len(e.Context)+1)
	for k, v := range e.Context {
		c.Context[k] = v
	}
	c.Context[key] = value
	return &c
}
