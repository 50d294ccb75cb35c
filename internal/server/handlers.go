package server

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/dyluth/skillbox/internal/apierr"
	"github.com/dyluth/skillbox/internal/provision"
)

type handlers struct {
	installer Installer
	skills    Skills
	auth      Authorizer
}

func (h *handlers) listSkills(c echo.Context) error {
	skills, err := h.skills.List(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, skills)
}

func (h *handlers) getSkill(c echo.Context) error {
	st, err := h.skills.Get(c.Request().Context(), c.Param("name"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, st)
}

func (h *handlers) installSkill(c echo.Context) error {
	force, err := queryBool(c, "force")
	if err != nil {
		return err
	}
	startOnBoot, err := queryBool(c, "start_on_boot")
	if err != nil {
		return err
	}

	fh, err := c.FormFile("file")
	if err != nil {
		return apierr.New(apierr.CodeFileRequired, "file is required")
	}
	f, err := fh.Open()
	if err != nil {
		return apierr.Wrap(apierr.CodeInternal, err, "failed to open upload")
	}
	defer f.Close()

	result, err := h.installer.Install(c.Request().Context(), provision.InstallRequest{
		Archive:     f,
		Force:       force,
		StartOnBoot: startOnBoot,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, result)
}

func (h *handlers) deleteSkill(c echo.Context) error {
	force, err := queryBool(c, "force")
	if err != nil {
		return err
	}
	result, err := h.skills.Delete(c.Request().Context(), c.Param("name"), force)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, result)
}

func (h *handlers) startSkill(c echo.Context) error {
	result, err := h.skills.Start(c.Request().Context(), c.Param("name"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, result)
}

func (h *handlers) stopSkill(c echo.Context) error {
	force, err := queryBool(c, "force")
	if err != nil {
		return err
	}
	result, err := h.skills.Stop(c.Request().Context(), c.Param("name"), force)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, result)
}

func (h *handlers) login(c echo.Context) error {
	if err := h.auth.Login(c.Request().Context(), c.FormValue("username"), c.FormValue("password")); err != nil {
		return err
	}
	return c.NoContent(http.StatusOK)
}

func (h *handlers) acl(c echo.Context) error {
	err := h.auth.CheckACL(c.Request().Context(), c.FormValue("username"), c.FormValue("topic"), c.FormValue("acc"))
	if err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *handlers) superuser(c echo.Context) error {
	if err := h.auth.Superuser(c.Request().Context(), c.FormValue("username")); err != nil {
		return err
	}
	return c.NoContent(http.StatusOK)
}

// queryBool reads an optional boolean query parameter; absent means false.
func queryBool(c echo.Context, name string) (bool, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return false, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, echo.NewHTTPError(http.StatusBadRequest, "query parameter "+name+" must be a boolean")
	}
	return v, nil
}
