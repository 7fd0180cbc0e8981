package utils

import (
	"bytes"
	"encoding/json"

	"github.com/go-playground/validator/v10"
	"github.com/vitwit/solpay/types"
)

var validate *validator.Validate

func init() {
	validate = validator.New()

	// Register custom validators
	_ = validate.RegisterValidation("solana_address", validateSolanaAddressTag)
}

// ValidateStruct runs the struct tag validations.
func ValidateStruct(v any) error {
	return validate.Struct(v)
}

// ParsePaymentRequestParams parses the body of a payment request. An empty
// body selects the defaults.
func ParsePaymentRequestParams(data []byte) (*types.PaymentRequestParams, error) {
	var req types.PaymentRequestParams

	if len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, types.ValidationError("failed to parse payment request: %v", err)
		}
	}

	if err := validate.Struct(&req); err != nil {
		return nil, types.ValidationError("validation failed: %v", err)
	}

	return &req, nil
}

// ParseConfirmSignatureRequest parses and validates a manual signature submission
func ParseConfirmSignatureRequest(data []byte) (*types.ConfirmSignatureRequest, error) {
	var req types.ConfirmSignatureRequest

	if err := json.Unmarshal(data, &req); err != nil {
		return nil, types.ValidationError("failed to parse confirmation request: %v", err)
	}

	if err := validate.Struct(&req); err != nil {
		return nil, types.ValidationError("validation failed: %v", err)
	}

	return &req, nil
}

// ParseConfirmReferenceRequest builds a reference confirmation request from
// query style values.
func ParseConfirmReferenceRequest(reference, currency, amount string) (*types.ConfirmReferenceRequest, error) {
	req := types.ConfirmReferenceRequest{
		Reference: reference,
		Currency:  currency,
		Amount:    amount,
	}

	if err := validate.Struct(&req); err != nil {
		return nil, types.ValidationError("validation failed: %v", err)
	}

	return &req, nil
}

func validateSolanaAddressTag(fl validator.FieldLevel) bool {
	return ValidateSolanaAddress(fl.Field().String()) == nil
}
