// Package dockerfile parses Dockerfiles into ordered, typed instructions
// grouped in build stages, formats them back to text and provides the build
// context used by COPY and ADD.
//
// Supported instructions:
//   - FROM [--platform=p] image[:tag] [AS name]
//   - RUN command (shell form) or RUN ["executable", "arg1", ...] (exec form)
//   - COPY [--from=stage] [--chown=uid:gid] [--chmod=mode] src... dst
//   - ADD [--chown=uid:gid] [--chmod=mode] src... dst (local files and archives)
//   - ENV key=value ... and the legacy ENV key value
//   - ARG name[=default]
//   - WORKDIR, USER, EXPOSE, LABEL, CMD, ENTRYPOINT, SHELL, STOPSIGNAL,
//     VOLUME and MAINTAINER
//   - Heredoc syntax in RUN commands (e.g., RUN cat > /file <<'EOF')
//
// HEALTHCHECK, ONBUILD, RUN --mount style flags and ADD with URLs are
// rejected with an UnsupportedError.
//
// Operands are stored as written. Variable references are expanded with
// Expand when the builder executes an instruction, so that
//
//	df, _ := dockerfile.Parse(data)
//	again, _ := dockerfile.Parse([]byte(dockerfile.Format(df)))
//
// yields the same instructions.
package dockerfile
