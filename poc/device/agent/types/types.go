package types

// Common error constructors for consistency

// IssuanceError covers obtaining and installing a device certificate. The rotation agent retries
// it on the next tick.
func IssuanceError(operation Operation, err error) *ComponentError {
	return NewComponentError(ComponentRotation, operation, err, true)
}

// KeyLoadError covers reading the private key from disk. The previous key stays installed.
func KeyLoadError(err error) *ComponentError {
	return NewComponentError(ComponentKeyring, OperationLoadingKey, err, true)
}

// EnqueueError covers handing a broker message to the queue. The message is dropped.
func EnqueueError(err error) *ComponentError {
	return NewComponentError(ComponentIngestor, OperationEnqueueing, err, false)
}

// DecryptionError covers a failed attempt of a decrypt job. The queue retries it until its
// attempts are used up.
func DecryptionError(operation Operation, err error) *ComponentError {
	return NewComponentError(ComponentDecryptor, operation, err, true)
}

// DiscoveryError covers looking up or fetching the receiver's public key. The previous key stays
// in effect.
func DiscoveryError(operation Operation, err error) *ComponentError {
	return NewComponentError(ComponentDiscovery, operation, err, true)
}

func ConfigError(err error) *ComponentError {
	return NewComponentError(ComponentConfig, OperationReadingConfig, err, false)
}

// PublishError covers sealing or publishing one reading. The reading is dropped.
func PublishError(err error) *ComponentError {
	return NewComponentError(ComponentPublisher, OperationPublishing, err, false)
}
