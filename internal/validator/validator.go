package validator

import (
	"reflect"
	"regexp"
	"strings"

	"github.com/abkawan/venue-payments/internal/models"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

var (
	referencePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{3,64}$`)
	bankAccount      = regexp.MustCompile(`^[0-9]{8,20}$`)
	phoneNumber      = regexp.MustCompile(`^\+?[0-9]{9,15}$`)
)

// Validator checks deposit and withdrawal requests
type Validator struct {
	validate   *validator.Validate
	currencies map[string]bool
}

func New(currencies []string) *Validator {
	v := &Validator{
		validate:   validator.New(),
		currencies: make(map[string]bool, len(currencies)),
	}
	for _, c := range currencies {
		v.currencies[strings.ToUpper(strings.TrimSpace(c))] = true
	}

	// Use JSON tag names in error messages
	v.validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	// amounts are validated as numbers so gt=0 applies
	v.validate.RegisterCustomTypeFunc(func(field reflect.Value) interface{} {
		if d, ok := field.Interface().(decimal.Decimal); ok {
			f, _ := d.Float64()
			return f
		}
		return nil
	}, decimal.Decimal{})

	v.validate.RegisterValidation("currency", func(fl validator.FieldLevel) bool {
		return v.currencies[fl.Field().String()]
	})
	v.validate.RegisterValidation("reference", func(fl validator.FieldLevel) bool {
		return referencePattern.MatchString(fl.Field().String())
	})

	v.validate.RegisterStructValidation(accountValidation, models.DepositRequest{}, models.WithdrawalRequest{})

	return v
}

// account identifiers depend on the payment method
func accountValidation(sl validator.StructLevel) {
	var method models.PaymentMethod
	var account string
	var bankCode *string
	withdrawal := false

	switch req := sl.Current().Interface().(type) {
	case models.DepositRequest:
		method, account, bankCode = req.PaymentMethod, req.AccountNumber, req.BankCode
	case models.WithdrawalRequest:
		method, account, bankCode = req.PaymentMethod, req.AccountNumber, req.BankCode
		withdrawal = true
	default:
		return
	}

	if account == "" {
		return
	}

	switch method {
	case models.Bank:
		if !bankAccount.MatchString(account) {
			sl.ReportError(account, "account_number", "AccountNumber", "bank_account", "")
		}
		if withdrawal && (bankCode == nil || *bankCode == "") {
			sl.ReportError(bankCode, "bank_code", "BankCode", "required_for_bank", "")
		}
	case models.MobileMoney:
		if !phoneNumber.MatchString(account) {
			sl.ReportError(account, "account_number", "AccountNumber", "phone_number", "")
		}
	}
}

// Validate validates a struct and returns a map of field errors
func (v *Validator) Validate(s interface{}) map[string]string {
	err := v.validate.Struct(s)
	if err == nil {
		return nil
	}

	errs, ok := err.(validator.ValidationErrors)
	if !ok {
		return map[string]string{"_": err.Error()}
	}

	fields := make(map[string]string)
	for _, fe := range errs {
		field := fe.Field()
		switch fe.Tag() {
		case "required":
			fields[field] = "This field is required"
		case "email":
			fields[field] = "Invalid email format"
		case "max":
			fields[field] = "Value is too long (max: " + fe.Param() + ")"
		case "gt":
			fields[field] = "Value must be greater than " + fe.Param()
		case "url":
			fields[field] = "Invalid URL format"
		case "oneof":
			fields[field] = "Must be one of: " + fe.Param()
		case "currency":
			fields[field] = "Unsupported currency"
		case "reference":
			fields[field] = "Reference must be 3-64 letters, digits, '-' or '_'"
		case "bank_account":
			fields[field] = "Bank account number must be 8-20 digits"
		case "phone_number":
			fields[field] = "Mobile money account must be a phone number"
		case "required_for_bank":
			fields[field] = "Bank code is required for bank transfers"
		default:
			fields[field] = "Invalid value"
		}
	}

	return fields
}
