package sentinel

// ModuleKind is the coarse classification of a course module, derived
// from the modname Moodle reports.
type ModuleKind string

const (
	ModuleResource   ModuleKind = "resource"
	ModuleMediasite  ModuleKind = "mediasite"
	ModuleURL        ModuleKind = "url"
	ModuleFolder     ModuleKind = "folder"
	ModulePage       ModuleKind = "page"
	ModuleAssignment ModuleKind = "assignment"
	// ModuleOther covers every modname we don't care about; these are
	// never recorded or announced.
	ModuleOther ModuleKind = "other"
)

type (
	// CourseSection is one section of a course as Moodle reports it.
	CourseSection struct {
		ID      int64          `json:"id"`
		Name    string         `json:"name"`
		Modules []CourseModule `json:"modules"`
	}

	// CourseModule is one content item inside a section.
	CourseModule struct {
		ID      int64  `json:"id"`
		Name    string `json:"name"`
		ModName string `json:"modname"`
		Visible bool   `json:"uservisible"`

		// Contents is populated for url and folder modules and lists
		// their named sub-contents.
		Contents []ModuleContent `json:"contents"`
	}

	// ModuleContent is a named sub-content of a url or folder module.
	ModuleContent struct {
		Name string `json:"filename"`
		URL  string `json:"fileurl"`
	}
)

// Kind maps the raw modname onto a ModuleKind.
func (m CourseModule) Kind() ModuleKind {
	switch m.ModName {
	case "resource":
		return ModuleResource
	case "mediasite":
		return ModuleMediasite
	case "url":
		return ModuleURL
	case "folder":
		return ModuleFolder
	case "page":
		return ModulePage
	case "assign":
		return ModuleAssignment
	default:
		return ModuleOther
	}
}
