// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package router maps model identifiers to inference providers.
//
// The Registry is built once at startup from the built-in alias table plus
// any [[models]] entries in the config file. Lookups are exact: a model id
// either names a registered ModelSpec or it is unknown. No substring
// matching is performed, so adding a model can never change how another
// one routes.
//
// # Routing
//
// Route picks the provider for a call. The model's native provider is used
// when a credential for it is present. Otherwise, if the model has an
// OpenRouter name and an OpenRouter credential exists, the call goes through
// OpenRouter. Anything else is a MissingCredentialError.
//
// # Usage
//
//	reg := router.NewRegistry()
//	route, err := reg.Route("claude-sonnet-4", creds)
//	if err != nil {
//	    return err
//	}
//	fmt.Println(route.Provider, route.Name)
package router
