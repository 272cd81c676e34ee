package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/stagecraft/stagecraft/baseimage"
	"github.com/stagecraft/stagecraft/internal/log"
	"github.com/stagecraft/stagecraft/internal/types"
	"github.com/stagecraft/stagecraft/overlay"
	"github.com/stagecraft/stagecraft/packages"
)

var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

type rootOptions struct {
	projectFile string
	workDir     string
	cacheDir    string
	verbose     bool
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "stagecraft",
		Short: "Stagecraft - package staging and overlay layering for image builds",
		Long: `Stagecraft fetches distribution packages into per-part install trees,
minus what the target base image already provides, and assembles part
layers into overlay filesystems for in-chroot package operations.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", Version, GitCommit, BuildDate),
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if opts.verbose {
				log.Base().SetLevel(logrus.DebugLevel)
			}
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.projectFile, "project", "p", "stagecraft.yaml", "Path to the project file")
	cmd.PersistentFlags().StringVar(&opts.workDir, "work-dir", "", "Work directory (default: <project dir>/work)")
	cmd.PersistentFlags().StringVar(&opts.cacheDir, "cache-dir", "", "Cache directory (default: <project dir>/cache)")
	cmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "Enable debug logging")

	cmd.AddCommand(newStageCommand(opts))
	cmd.AddCommand(newBuildPackagesCommand(opts))
	cmd.AddCommand(newRefreshCommand(opts))
	cmd.AddCommand(newPullBaseCommand(opts))
	cmd.AddCommand(newExportLayerCommand(opts))
	cmd.AddCommand(newOverlayCommand(opts))

	return cmd
}

func loadProject(opts *rootOptions) (*types.ProjectInfo, error) {
	project, err := types.LoadProject(opts.projectFile, opts.workDir, opts.cacheDir)
	if err != nil {
		return nil, err
	}
	if project.Base == "" {
		return nil, fmt.Errorf("project file %s does not declare a base", opts.projectFile)
	}
	return project, nil
}

func newRepository(project *types.ProjectInfo) (packages.Repository, error) {
	repo := packages.NewDebianRepository(packages.NewAptDatabase())
	if err := repo.Configure(project.Application); err != nil {
		return nil, fmt.Errorf("failed to configure package repository: %v", err)
	}
	return repo, nil
}

// selectParts resolves part name arguments against the project's build
// order. No arguments selects every part.
func selectParts(project *types.ProjectInfo, names []string) ([]*types.Part, error) {
	if len(names) == 0 {
		return project.Parts, nil
	}

	byName := make(map[string]*types.Part, len(project.Parts))
	for _, part := range project.Parts {
		byName[part.Name] = part
	}

	parts := make([]*types.Part, 0, len(names))
	for _, name := range names {
		part, ok := byName[name]
		if !ok {
			return nil, fmt.Errorf("unknown part %q", name)
		}
		parts = append(parts, part)
	}
	return parts, nil
}

func newStageCommand(opts *rootOptions) *cobra.Command {
	var listOnly bool

	cmd := &cobra.Command{
		Use:   "stage [part...]",
		Short: "Fetch and unpack stage packages for parts",
		Long: `Fetch each part's stage packages and their dependencies, excluding
packages the base image already provides, then unpack them into the
part's install tree. With no arguments every part is staged in build
order.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			project, err := loadProject(opts)
			if err != nil {
				return err
			}
			repo, err := newRepository(project)
			if err != nil {
				return err
			}
			parts, err := selectParts(project, args)
			if err != nil {
				return err
			}

			for _, part := range parts {
				if len(part.StagePackages) == 0 {
					continue
				}

				stageDir := part.StagePackagesDir(project.WorkDir)
				fetched, err := repo.FetchStagePackages(packages.FetchOptions{
					Names:      part.StagePackages,
					CacheDir:   project.CacheDir,
					StageDir:   stageDir,
					Base:       project.Base,
					TargetArch: project.TargetArch,
					ListOnly:   listOnly,
				})
				if err != nil {
					return fmt.Errorf("failed to fetch stage packages for part %s: %v", part.Name, err)
				}

				if listOnly {
					fmt.Printf("Part %s would stage %d packages:\n", part.Name, len(fetched))
					for _, pkg := range fetched {
						fmt.Printf("  %s\n", pkg)
					}
					continue
				}

				installDir := part.InstallDir(project.WorkDir)
				if err := repo.UnpackStagePackages(stageDir, installDir); err != nil {
					return fmt.Errorf("failed to unpack stage packages for part %s: %v", part.Name, err)
				}
				fmt.Printf("Part %s staged %d packages into %s\n", part.Name, len(fetched), installDir)
			}

			return nil
		},
	}

	cmd.Flags().BoolVar(&listOnly, "list-only", false, "Resolve the package set without downloading or unpacking")

	return cmd
}

func newBuildPackagesCommand(opts *rootOptions) *cobra.Command {
	var listOnly bool

	cmd := &cobra.Command{
		Use:   "build-packages [part...]",
		Short: "Install the build packages declared by parts",
		RunE: func(cmd *cobra.Command, args []string) error {
			project, err := loadProject(opts)
			if err != nil {
				return err
			}
			repo, err := newRepository(project)
			if err != nil {
				return err
			}
			parts, err := selectParts(project, args)
			if err != nil {
				return err
			}

			var names []string
			for _, part := range parts {
				names = append(names, part.BuildPackages...)
			}
			if len(names) == 0 {
				fmt.Printf("No build packages declared\n")
				return nil
			}

			installed, err := repo.InstallBuildPackages(names, listOnly)
			if err != nil {
				return err
			}

			if listOnly {
				fmt.Printf("Would install %d build packages:\n", len(installed))
			} else {
				fmt.Printf("Installed %d build packages:\n", len(installed))
			}
			for _, pkg := range installed {
				fmt.Printf("  %s\n", pkg)
			}

			return nil
		},
	}

	cmd.Flags().BoolVar(&listOnly, "list-only", false, "Resolve the package set without installing")

	return cmd
}

func newRefreshCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Refresh the host and stage package indexes",
		RunE: func(cmd *cobra.Command, args []string) error {
			project, err := loadProject(opts)
			if err != nil {
				return err
			}
			repo, err := newRepository(project)
			if err != nil {
				return err
			}

			if err := repo.RefreshBuildPackagesList(); err != nil {
				return err
			}
			if err := repo.RefreshStagePackagesList(project.CacheDir, project.TargetArch); err != nil {
				return err
			}

			fmt.Printf("Package indexes refreshed\n")
			return nil
		},
	}
}

func newPullBaseCommand(opts *rootOptions) *cobra.Command {
	var destDir string

	cmd := &cobra.Command{
		Use:   "pull-base <image-ref>",
		Short: "Pull and unpack the base image for the target architecture",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			project, err := loadProject(opts)
			if err != nil {
				return err
			}
			if destDir == "" {
				destDir = filepath.Join(project.WorkDir, "base")
			}

			result, err := baseimage.Pull(context.Background(), args[0], project.TargetArch)
			if err != nil {
				return err
			}
			if err := baseimage.Unpack(result.Image, destDir); err != nil {
				return err
			}

			fmt.Printf("Base image %s (%s) unpacked into %s\n", args[0], result.Digest, destDir)
			return nil
		},
	}

	cmd.Flags().StringVar(&destDir, "dest", "", "Destination directory (default: <work dir>/base)")

	return cmd
}

func newExportLayerCommand(opts *rootOptions) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "export-layer <part>",
		Short: "Export a part's layer as a zstd-compressed tarball",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			project, err := loadProject(opts)
			if err != nil {
				return err
			}
			repo, err := newRepository(project)
			if err != nil {
				return err
			}
			parts, err := selectParts(project, args)
			if err != nil {
				return err
			}
			part := parts[0]

			if output == "" {
				output = part.Name + "-layer.tar.zst"
			}

			f, err := os.Create(output)
			if err != nil {
				return fmt.Errorf("failed to create %s: %v", output, err)
			}
			defer f.Close()

			manager := overlay.NewManager(project, repo, filepath.Join(project.WorkDir, "base"))
			if err := manager.ExportLayer(part, f); err != nil {
				return fmt.Errorf("failed to export layer for part %s: %v", part.Name, err)
			}

			fmt.Printf("Exported layer for part %s to %s\n", part.Name, output)
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "Output file (default: <part>-layer.tar.zst)")

	return cmd
}

func newOverlayCommand(opts *rootOptions) *cobra.Command {
	var baseLayerDir string

	cmd := &cobra.Command{
		Use:   "overlay",
		Short: "Run package operations inside a mounted overlay",
		Long: `Overlay operations mount the shared package-cache layer over the
base image, chroot into the mounted filesystem, run the requested
package operation, and unmount. These commands require root.`,
	}

	cmd.PersistentFlags().StringVar(&baseLayerDir, "base-layer", "", "Unpacked base image directory (default: <work dir>/base)")

	newManager := func() (*overlay.Manager, *types.ProjectInfo, error) {
		project, err := loadProject(opts)
		if err != nil {
			return nil, nil, err
		}
		repo, err := newRepository(project)
		if err != nil {
			return nil, nil, err
		}
		if baseLayerDir == "" {
			baseLayerDir = filepath.Join(project.WorkDir, "base")
		}
		manager := overlay.NewManager(project, repo, baseLayerDir)
		if err := manager.MkDirs(); err != nil {
			return nil, nil, err
		}
		return manager, project, nil
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "refresh",
		Short: "Refresh the package index inside the overlay",
		RunE: func(cmd *cobra.Command, args []string) error {
			manager, _, err := newManager()
			if err != nil {
				return err
			}
			return overlay.WithPackageCacheMount(manager, func(mount *overlay.PackageCacheMount) error {
				if err := mount.FixResolvConf(); err != nil {
					return err
				}
				return mount.RefreshPackagesList()
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "download <package...>",
		Short: "Download packages into the overlay package cache",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			manager, _, err := newManager()
			if err != nil {
				return err
			}
			return overlay.WithPackageCacheMount(manager, func(mount *overlay.PackageCacheMount) error {
				if err := mount.FixResolvConf(); err != nil {
					return err
				}
				return mount.DownloadPackages(args)
			})
		},
	})

	installCmd := &cobra.Command{
		Use:   "install <part> <package...>",
		Short: "Install packages into a part's overlay layer",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			manager, project, err := newManager()
			if err != nil {
				return err
			}
			parts, err := selectParts(project, args[:1])
			if err != nil {
				return err
			}
			return overlay.WithLayerMount(manager, parts[0], true, func(mount *overlay.LayerMount) error {
				if err := mount.FixResolvConf(); err != nil {
					return err
				}
				return mount.InstallPackages(args[1:])
			})
		},
	}
	cmd.AddCommand(installCmd)

	return cmd
}
