package firestore

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/bookstore/payments/internal/repositories"
)

// WrapError maps gRPC status codes onto repository error categories. Context errors pass through
// unchanged and errors that already carry a category are returned as is.
func WrapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		return err
	}

	switch status.Code(err) {
	case codes.Canceled:
		return context.Canceled
	case codes.NotFound:
		return repositories.NewNotFound(op, "%w", err)
	case codes.AlreadyExists, codes.Aborted, codes.FailedPrecondition:
		return repositories.NewConflict(op, "%w", err)
	case codes.Unavailable, codes.ResourceExhausted, codes.Internal, codes.DeadlineExceeded:
		return repositories.NewUnavailable(op, err)
	default:
		return repositories.Wrap(op, fmt.Errorf("firestore: %w", err))
	}
}

func isNotFound(err error) bool {
	return status.Code(err) == codes.NotFound
}

// IsNotFound reports whether a raw Firestore error is a missing document.
func IsNotFound(err error) bool { return isNotFound(err) }

// IsAlreadyExists reports whether a raw Firestore error is a create collision.
func IsAlreadyExists(err error) bool {
	return status.Code(err) == codes.AlreadyExists
}
