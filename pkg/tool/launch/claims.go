// pkg/tool/launch/claims.go
package launch

// IMS claim URLs carried in LTI 1.3 id_tokens.
const (
	ClaimMessageType        = "https://purl.imsglobal.org/spec/lti/claim/message_type"
	ClaimVersion            = "https://purl.imsglobal.org/spec/lti/claim/version"
	ClaimDeploymentID       = "https://purl.imsglobal.org/spec/lti/claim/deployment_id"
	ClaimTargetLinkURI      = "https://purl.imsglobal.org/spec/lti/claim/target_link_uri"
	ClaimResourceLink       = "https://purl.imsglobal.org/spec/lti/claim/resource_link"
	ClaimContext            = "https://purl.imsglobal.org/spec/lti/claim/context"
	ClaimRoles              = "https://purl.imsglobal.org/spec/lti/claim/roles"
	ClaimCustom             = "https://purl.imsglobal.org/spec/lti/claim/custom"
	ClaimLIS                = "https://purl.imsglobal.org/spec/lti/claim/lis"
	ClaimLaunchPresentation = "https://purl.imsglobal.org/spec/lti/claim/launch_presentation"
	ClaimToolPlatform       = "https://purl.imsglobal.org/spec/lti/claim/tool_platform"

	ClaimEndpoint            = "https://purl.imsglobal.org/spec/lti-ags/claim/endpoint"
	ClaimNamesRoles          = "https://purl.imsglobal.org/spec/lti-nrps/claim/namesroleservice"
	ClaimDeepLinkingSettings = "https://purl.imsglobal.org/spec/lti-dl/claim/deep_linking_settings"
	ClaimContentItems        = "https://purl.imsglobal.org/spec/lti-dl/claim/content_items"
	ClaimDeepLinkingData     = "https://purl.imsglobal.org/spec/lti-dl/claim/data"
)

// LTI message types the provider dispatches on.
const (
	MessageTypeResourceLink = "LtiResourceLinkRequest"
	MessageTypeDeepLinking  = "LtiDeepLinkingRequest"

	LTIVersion = "1.3.0"
)
