// Package errors defines the failure taxonomy shared by the training,
// bootstrap and serving paths.
//
// Every error produced by the core is marked with exactly one kind sentinel
// (ErrEmptyDataset, ErrSchema, ...). Callers classify failures with Is or
// Kind; the request layer maps kinds to status codes with HTTPStatus.
// Constructors capture a stack trace through cockroachdb/errors so that
// fatal bootstrap failures can be logged with "%+v".
package errors

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/cockroachdb/errors"
)

// Kind sentinels. Compare with Is, never with ==.
var (
	ErrEmptyDataset    = errors.New("empty dataset")
	ErrSchema          = errors.New("schema error")
	ErrValidation      = errors.New("validation error")
	ErrCorruptState    = errors.New("corrupt transform state")
	ErrCorruptModel    = errors.New("corrupt model")
	ErrModelNotFound   = errors.New("model not found")
	ErrInference       = errors.New("inference error")
	ErrTraining        = errors.New("training error")
	ErrDatasetNotFound = errors.New("dataset not found")
)

var kinds = []error{
	ErrEmptyDataset,
	ErrSchema,
	ErrValidation,
	ErrCorruptState,
	ErrCorruptModel,
	ErrModelNotFound,
	ErrInference,
	ErrTraining,
	ErrDatasetNotFound,
}

// SchemaError reports required columns absent from a dataset.
type SchemaError struct {
	Op      string
	Missing []string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("%s: dataset is missing required columns: %s", e.Op, strings.Join(e.Missing, ", "))
}

// Is lets the standard library errors.Is match the kind sentinel too.
func (e *SchemaError) Is(target error) bool { return target == ErrSchema }

// ValidationError reports malformed fields of a single input record.
type ValidationError struct {
	Op     string
	Fields []string
	Reason string
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return fmt.Sprintf("%s: %s", e.Op, e.Reason)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Reason, strings.Join(e.Fields, ", "))
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// NewSchemaError returns a SchemaError naming the missing columns.
func NewSchemaError(op string, missing []string) error {
	cp := append([]string(nil), missing...)
	return errors.Mark(errors.WithStack(&SchemaError{Op: op, Missing: cp}), ErrSchema)
}

// NewValidationError returns a ValidationError for the offending fields.
func NewValidationError(op, reason string, fields ...string) error {
	cp := append([]string(nil), fields...)
	return errors.Mark(errors.WithStack(&ValidationError{Op: op, Fields: cp, Reason: reason}), ErrValidation)
}

// NewEmptyDatasetError reports that no usable rows remain.
func NewEmptyDatasetError(op, msg string) error {
	return errors.Mark(errors.Newf("%s: %s", op, msg), ErrEmptyDataset)
}

// NewCorruptStateError reports an unreadable or mis-shaped transform state.
// cause may be nil.
func NewCorruptStateError(op, msg string, cause error) error {
	return mark(op, msg, cause, ErrCorruptState)
}

// NewCorruptModelError reports an unreadable model artifact.
func NewCorruptModelError(op, msg string, cause error) error {
	return mark(op, msg, cause, ErrCorruptModel)
}

// NewModelNotFoundError reports a missing model artifact.
func NewModelNotFoundError(op, path string, cause error) error {
	return mark(op, "no model at "+path, cause, ErrModelNotFound)
}

// NewInferenceError wraps an unexpected failure in the prediction path.
func NewInferenceError(op string, cause error) error {
	return mark(op, "prediction failed", cause, ErrInference)
}

// NewTrainingError reports a training run that produced no usable model.
func NewTrainingError(op, msg string, cause error) error {
	return mark(op, msg, cause, ErrTraining)
}

// NewDatasetNotFoundError reports a missing evaluation dataset.
func NewDatasetNotFoundError(op, path string, cause error) error {
	return mark(op, "dataset not found at "+path, cause, ErrDatasetNotFound)
}

func mark(op, msg string, cause error, kind error) error {
	if cause == nil {
		return errors.Mark(errors.Newf("%s: %s", op, msg), kind)
	}
	// A cause that already carries another kind is kept as a message only,
	// so the result classifies as exactly one kind.
	if k := Kind(cause); k != nil && k != kind {
		cause = errors.Handled(cause)
	}
	return errors.Mark(errors.Wrapf(cause, "%s: %s", op, msg), kind)
}

// Is reports whether err carries the given kind anywhere in its chain.
func Is(err, kind error) bool { return errors.Is(err, kind) }

// As is errors.As from cockroachdb/errors.
func As(err error, target interface{}) bool { return errors.As(err, target) }

// Kind returns the kind sentinel carried by err, or nil for unclassified
// errors.
func Kind(err error) error {
	if err == nil {
		return nil
	}
	for _, k := range kinds {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}

// KindName is the short machine-readable name of err's kind.
func KindName(err error) string {
	switch Kind(err) {
	case ErrEmptyDataset:
		return "empty_dataset"
	case ErrSchema:
		return "schema"
	case ErrValidation:
		return "validation"
	case ErrCorruptState:
		return "corrupt_state"
	case ErrCorruptModel:
		return "corrupt_model"
	case ErrModelNotFound:
		return "model_not_found"
	case ErrInference:
		return "inference"
	case ErrTraining:
		return "training"
	case ErrDatasetNotFound:
		return "dataset_not_found"
	default:
		return "internal"
	}
}

// HTTPStatus maps err's kind to a response status.
func HTTPStatus(err error) int {
	switch Kind(err) {
	case ErrValidation:
		return http.StatusUnprocessableEntity
	case ErrSchema, ErrEmptyDataset, ErrDatasetNotFound:
		return http.StatusBadRequest
	case ErrCorruptState, ErrCorruptModel, ErrModelNotFound:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Fields returns the field or column names attached to a schema or
// validation error.
func Fields(err error) []string {
	var se *SchemaError
	if errors.As(err, &se) {
		return se.Missing
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve.Fields
	}
	return nil
}
