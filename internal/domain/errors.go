package domain

import "errors"

var (
	ErrMissingInput     = errors.New("uid and prompt are required")
	ErrMisconfigured    = errors.New("server misconfigured: replicate api token is not set")
	ErrQuotaExceeded    = errors.New("daily image generation limit exceeded")
	ErrSubmissionFailed = errors.New("prediction submission failed")
	ErrGenerationFailed = errors.New("image generation failed")
	ErrNoResult         = errors.New("image generation did not finish in time")
	ErrEmptyResult      = errors.New("image generation returned no output")
)
