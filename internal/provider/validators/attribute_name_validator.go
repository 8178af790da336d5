package validators

import (
	"context"
	"fmt"
	"strings"

	"github.com/hashicorp/terraform-plugin-framework/schema/validator"

	ldapclient "github.com/isometry/terraform-provider-ldapdb/internal/ldap"
)

var _ validator.String = attributeNameValidator{}

// attributeNameValidator checks an RFC 4512 attribute description, with an
// optional leading "-" when used for ordering.
type attributeNameValidator struct {
	allowDescending bool
}

func (v attributeNameValidator) Description(_ context.Context) string {
	if v.allowDescending {
		return "value must be an LDAP attribute name, optionally prefixed with `-` for descending order"
	}
	return "value must be an LDAP attribute name or numeric OID"
}

func (v attributeNameValidator) MarkdownDescription(ctx context.Context) string {
	return v.Description(ctx)
}

func (v attributeNameValidator) ValidateString(ctx context.Context, request validator.StringRequest, response *validator.StringResponse) {
	if request.ConfigValue.IsNull() || request.ConfigValue.IsUnknown() {
		return
	}

	value := request.ConfigValue.ValueString()
	name := value
	if v.allowDescending {
		name = strings.TrimPrefix(name, "-")
	}
	if ldapclient.ValidAttributeName(name) {
		return
	}

	response.Diagnostics.AddAttributeError(
		request.Path,
		"Invalid Attribute Name",
		fmt.Sprintf("The value %q is not a valid LDAP attribute description.", value),
	)
}

// IsAttributeName returns a validator for attribute names such as `cn`,
// `userCertificate;binary` or `2.5.4.3`.
func IsAttributeName() validator.String {
	return attributeNameValidator{}
}

// IsOrderingField is IsAttributeName that also accepts a leading `-`.
func IsOrderingField() validator.String {
	return attributeNameValidator{allowDescending: true}
}
