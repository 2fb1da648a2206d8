package docs

import _ "embed"

//go:embed campaign-api.openapi.yaml
var embeddedCampaignOpenAPI []byte

//go:embed swagger.html
var embeddedCampaignSwaggerHTML []byte

// CampaignOpenAPI holds the OpenAPI document of the campaign API.
var CampaignOpenAPI = embeddedCampaignOpenAPI

// CampaignSwaggerHTML holds the Swagger UI page that renders CampaignOpenAPI.
var CampaignSwaggerHTML = embeddedCampaignSwaggerHTML
