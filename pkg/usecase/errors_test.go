package usecase_test

import (
	"errors"
	"testing"

	"github.com/m-mizutani/gt"
	"github.com/secmon-lab/herald/pkg/domain/model"
	"github.com/secmon-lab/herald/pkg/usecase"
)

func TestErrors_ErrorsAreDistinct(t *testing.T) {
	errs := []error{
		usecase.ErrInvalidChannel,
		usecase.ErrMessageNotFound,
		usecase.ErrRunNotFound,
		usecase.ErrNotInFailedState,
		usecase.ErrMessageDispatching,
		usecase.ErrSentMessageImmutable,
		usecase.ErrRunNotActive,
		usecase.ErrNoFailedItems,
		usecase.ErrOnBehalfOfDisabled,
		usecase.ErrMissingCredentials,
		usecase.ErrExternalEditFailed,
	}
	for i, a := range errs {
		for j, b := range errs {
			if i != j {
				gt.Bool(t, errors.Is(a, b)).False()
			}
		}
	}
}

func TestErrors_ModelErrorsAreShared(t *testing.T) {
	gt.Bool(t, errors.Is(usecase.ErrInvalidTime, model.ErrInvalidTime)).True()
	gt.Bool(t, errors.Is(usecase.ErrWorkspaceNotFound, model.ErrWorkspaceNotFound)).True()
}
