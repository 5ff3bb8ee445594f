package capability

var nativeRatios = []string{"1:1", "16:9", "9:16", "4:3", "3:4", "3:2", "2:3"}

// Catalog is the compiled-in model table.
func Catalog() []Capability {
	return []Capability{
		{
			ID:          "flux-2-pro",
			Provider:    ProviderKIE,
			NativeModel: "flux-2/pro-text-to-image",
			EditModel:   "flux-2/pro-image-to-image",
			Credits:     5,
			Tier:        "pro",
			Ratios:      nativeRatios,
			Convention:  ConventionAspectRatio,
			Defaults:    map[string]any{"resolution": "1K"},
			Active:      true,
		},
		{
			ID:          "nano-banana-pro",
			Provider:    ProviderKIE,
			NativeModel: "nano-banana-pro",
			EditModel:   "nano-banana-pro",
			Credits:     8,
			Tier:        "pro",
			Ratios:      append(append([]string(nil), nativeRatios...), "21:9"),
			Convention:  ConventionAspectRatio,
			Defaults:    map[string]any{"resolution": "1K", "output_format": "png"},
			Active:      true,
		},
		{
			ID:          "gpt-image-1",
			Provider:    ProviderOpenAI,
			NativeModel: "gpt-image-1",
			EditModel:   "gpt-image-1",
			Credits:     6,
			Tier:        "pro",
			Ratios:      []string{"1:1", "3:2", "2:3"},
			Convention:  ConventionDimensions,
			Sizes: map[string]Dimensions{
				"1:1": {Width: 1024, Height: 1024},
				"3:2": {Width: 1536, Height: 1024},
				"2:3": {Width: 1024, Height: 1536},
			},
			Defaults: map[string]any{"quality": "medium"},
			Active:   true,
		},
		{
			ID:          "dall-e-3",
			Provider:    ProviderOpenAI,
			NativeModel: "dall-e-3",
			Credits:     4,
			Tier:        "standard",
			Ratios:      []string{"1:1", "16:9", "9:16"},
			Convention:  ConventionDimensions,
			Sizes: map[string]Dimensions{
				"1:1":  {Width: 1024, Height: 1024},
				"16:9": {Width: 1792, Height: 1024},
				"9:16": {Width: 1024, Height: 1792},
			},
			Defaults: map[string]any{"quality": "standard", "response_format": "b64_json"},
			Active:   false,
		},
		{
			ID:          "gemini-2.5-flash-image",
			Provider:    ProviderGemini,
			NativeModel: "gemini-2.5-flash-image",
			EditModel:   "gemini-2.5-flash-image",
			Credits:     3,
			Tier:        "standard",
			Ratios:      append(append([]string(nil), nativeRatios...), "5:4", "4:5", "21:9"),
			Convention:  ConventionAspectRatio,
			Active:      true,
		},
		{
			ID:          "flux-dev",
			Provider:    ProviderFal,
			NativeModel: "fal-ai/flux/dev",
			EditModel:   "fal-ai/flux/dev/image-to-image",
			Credits:     2,
			Tier:        "basic",
			Ratios:      []string{"1:1", "16:9", "9:16", "4:3", "3:4"},
			Convention:  ConventionDimensions,
			Sizes: map[string]Dimensions{
				"1:1":  {Width: 1024, Height: 1024},
				"16:9": {Width: 1344, Height: 768},
				"9:16": {Width: 768, Height: 1344},
				"4:3":  {Width: 1152, Height: 896},
				"3:4":  {Width: 896, Height: 1152},
			},
			Defaults: map[string]any{"num_inference_steps": 28, "guidance_scale": 3.5},
			Active:   true,
		},
	}
}

// Default builds the registry from Catalog.
func Default() *Registry {
	r, err := NewRegistry(Catalog())
	if err != nil {
		panic(err)
	}
	return r
}
